package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"recording-synth/internal/timeline"
)

// planRequest is the JSON document accepted by "timelinectl plan".
type planRequest struct {
	Channel         string             `json:"channel"`
	DurationMs      int64              `json:"duration_ms"`
	Segments        []timeline.Segment `json:"segments,omitempty"`
	Track           *trackInput        `json:"track,omitempty"`
	EmptyLogEnabled *bool              `json:"empty_log_enabled,omitempty"`
}

type trackInput struct {
	Path string `json:"path"`
	// LengthMs is the track length. When zero the file is probed.
	LengthMs int64                  `json:"length_ms,omitempty"`
	Changes  []timeline.StateChange `json:"changes,omitempty"`
}

// probeFunc returns a track's length in milliseconds.
type probeFunc func(ctx context.Context, path string) (int64, error)

func newPlanCommand(opts *options) *cobra.Command {
	var file string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the timeline plan for a channel without producing media",
		Long: `Reads a JSON request from --file (or stdin with "-") and prints the
ordered real and filler pieces that would make up the channel's artifact.

Example request:
  {"channel": "audio", "duration_ms": 5000,
   "segments": [{"start_ms": 0, "end_ms": 2000, "path": "a.webm"}]}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readPlanRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			probe := func(ctx context.Context, path string) (int64, error) {
				ff, err := opts.ffmpeg()
				if err != nil {
					return 0, err
				}
				info, err := ff.Probe(ctx, path)
				if err != nil {
					return 0, err
				}
				return info.Duration.Milliseconds(), nil
			}
			plan, err := buildPlan(cmd.Context(), req, probe)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Request file, - for stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	return cmd
}

func readPlanRequest(stdin io.Reader, file string) (planRequest, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return planRequest{}, err
		}
		defer f.Close()
		r = f
	}
	var req planRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return planRequest{}, fmt.Errorf("decode plan request: %w", err)
	}
	return req, nil
}

// buildPlan picks the planner matching the request's input shape.
func buildPlan(ctx context.Context, req planRequest, probe probeFunc) (timeline.Plan, error) {
	channel, err := timeline.ParseChannel(req.Channel)
	if err != nil {
		return timeline.Plan{}, err
	}
	if req.Track != nil && len(req.Segments) > 0 {
		return timeline.Plan{}, fmt.Errorf("request has both a track and segments for %s", channel)
	}

	switch {
	case req.Track != nil:
		length := req.Track.LengthMs
		if length <= 0 && req.Track.Path != "" {
			if length, err = probe(ctx, req.Track.Path); err != nil {
				return timeline.Plan{}, err
			}
		}
		emptyLogEnabled := true
		if req.EmptyLogEnabled != nil {
			emptyLogEnabled = *req.EmptyLogEnabled
		}
		return timeline.BuildTrackPlan(channel, req.Track.Path, length, req.Track.Changes, req.DurationMs, emptyLogEnabled)
	case len(req.Segments) > 0:
		return timeline.BuildSegmentPlan(channel, req.Segments, req.DurationMs)
	default:
		return timeline.BuildFillerPlan(channel, req.DurationMs)
	}
}

var planColumns = []column{
	{title: "#", numeric: true},
	{title: "Position", numeric: true},
	{title: "Duration", numeric: true},
	{title: "Kind"},
	{title: "Source"},
	{title: "Offset", numeric: true},
	{title: "Partial"},
}

func printPlan(out io.Writer, plan timeline.Plan) {
	rows := make([][]string, 0, len(plan.Pieces))
	for i, pc := range plan.Pieces {
		source, offset, partial := "", "", ""
		switch pc.Kind {
		case timeline.PieceReal:
			source = pc.Source
			offset = formatMs(pc.OffsetMs)
			if pc.Partial {
				partial = "yes"
			}
		case timeline.PieceFiller:
			source = pc.Filler.String()
			if pc.Filler.Empty() {
				source += " (absorbed)"
			}
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			formatMs(pc.PositionMs),
			formatMs(pc.DurationMs),
			string(pc.Kind),
			source,
			offset,
			partial,
		})
	}
	fmt.Fprintf(out, "Channel: %s  Duration: %s  Pieces: %d  Fillers: %d\n",
		plan.Channel, formatMs(plan.DurationMs), len(plan.Pieces), plan.FillerCount())
	fmt.Fprintln(out, renderTable(planColumns, rows))
}

func formatMs(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64) + "s"
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
