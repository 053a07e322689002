package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"recording-synth/internal/filler"
	"recording-synth/internal/timeline"
)

func newCacheCommand(opts *options) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the filler clip cache",
	}
	cacheCmd.AddCommand(newCacheWarmCommand(opts))
	return cacheCmd
}

func newCacheWarmCommand(opts *options) *cobra.Command {
	var maxSeconds int64
	var kinds []string

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Pre-generate filler clips for every whole second up to --max",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			ff, err := opts.ffmpeg()
			if err != nil {
				return err
			}
			dir := filepath.Join(opts.dataDir, "fillers")
			cache, err := filler.New(dir, ff.Profile().Extension, ff,
				filler.WithLogger(opts.logger().With("component", "filler")))
			if err != nil {
				return err
			}
			for _, kind := range selected {
				if err := cache.Warm(cmd.Context(), kind, maxSeconds); err != nil {
					return err
				}
			}
			st := cache.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Directory:   %s\n", dir)
			fmt.Fprintf(out, "Generated:   %d\n", st.Generations)
			fmt.Fprintf(out, "Already had: %d\n", st.Hits)
			return nil
		},
	}

	cmd.Flags().Int64Var(&maxSeconds, "max", 30, "Longest filler to generate, in seconds")
	cmd.Flags().StringSliceVar(&kinds, "kind", []string{string(timeline.FillerSilentAudio), string(timeline.FillerBlankVideo)}, "Filler kinds to warm")
	return cmd
}

func parseKinds(names []string) ([]timeline.FillerKind, error) {
	out := make([]timeline.FillerKind, 0, len(names))
	for _, n := range names {
		switch k := timeline.FillerKind(n); k {
		case timeline.FillerSilentAudio, timeline.FillerBlankVideo:
			out = append(out, k)
		default:
			return nil, fmt.Errorf("unknown filler kind %q", n)
		}
	}
	return out, nil
}
