package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"recording-synth/internal/media"
	"recording-synth/internal/platform/config"
	"recording-synth/internal/platform/logger"
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	ffmpegPath  string
	ffprobePath string
	dataDir     string
	profilePath string
	logLevel    string
}

// ffmpeg builds the toolkit wrapper with the selected media profile.
func (o *options) ffmpeg() (*media.FFmpeg, error) {
	profile := media.DefaultProfile()
	if err := config.LoadTOML(o.profilePath, &profile); err != nil {
		return nil, err
	}
	return media.NewFFmpeg(o.ffmpegPath, o.ffprobePath, profile), nil
}

func newRootCommand() *cobra.Command {
	_ = config.Load()
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "timelinectl",
		Short:         "Timeline synthesis tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.ffmpegPath, "ffmpeg", config.GetEnv("FFMPEG_PATH", "ffmpeg"), "Path to the ffmpeg binary")
	flags.StringVar(&opts.ffprobePath, "ffprobe", config.GetEnv("FFPROBE_PATH", "ffprobe"), "Path to the ffprobe binary")
	flags.StringVar(&opts.dataDir, "data-dir", config.GetEnv("DATA_DIR", "./data"), "Data directory shared with the server")
	flags.StringVar(&opts.profilePath, "profile", config.GetEnv("MEDIA_PROFILE", ""), "Media profile TOML file")
	flags.StringVar(&opts.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "warn"), "Log level")

	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newProbeCommand(opts))
	rootCmd.AddCommand(newCacheCommand(opts))

	return rootCmd
}

func (o *options) logger() *slog.Logger {
	return logger.New(o.logLevel, "text")
}
