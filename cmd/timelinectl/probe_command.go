package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe FILE...",
		Short: "Report duration and codecs of media files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff, err := opts.ffmpeg()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(args))
			for _, path := range args {
				info, err := ff.Probe(cmd.Context(), path)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					path,
					formatMs(info.Duration.Milliseconds()),
					orDash(info.VideoCodec),
					orDash(info.AudioCodec),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]column{
				{title: "File"},
				{title: "Duration", numeric: true},
				{title: "Video"},
				{title: "Audio"},
			}, rows))
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
