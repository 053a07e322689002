package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"recording-synth/internal/filler"
	"recording-synth/internal/media"
	"recording-synth/internal/platform/config"
	"recording-synth/internal/platform/logger"
	"recording-synth/internal/platform/metrics"
	"recording-synth/internal/recording"
	"recording-synth/internal/timeline"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout = 10 * time.Second
	// drainTimeout bounds how long background completions may run after the
	// listener has closed.
	drainTimeout = 2 * time.Minute
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	dataDir := config.GetEnv("DATA_DIR", "./data")
	dbPath := config.GetEnv("DATABASE_PATH", filepath.Join(dataDir, "recordings.db"))
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	ffprobePath := config.GetEnv("FFPROBE_PATH", "ffprobe")
	whisperPath := config.GetEnv("WHISPER_PATH", "")
	whisperModel := config.GetEnv("WHISPER_MODEL", "base")
	transcodeTimeout := config.GetEnvDuration("TRANSCODE_TIMEOUT", 2*time.Minute)
	parallelism := config.GetEnvInt("CHANNEL_PARALLELISM", recording.DefaultChannelParallelism)
	profilePath := config.GetEnv("MEDIA_PROFILE", "")
	emptyLogEnabled := config.GetEnvBool("EMPTY_STATE_LOG_ENABLED", true)
	maxUploadMB := config.GetEnvInt("MAX_UPLOAD_MB", 512)

	log := logger.New(logLevel, logFormat)

	profile := media.DefaultProfile()
	if err := config.LoadTOML(profilePath, &profile); err != nil {
		log.Error("media profile", "error", err)
		os.Exit(1)
	}

	repo, closeRepo, err := openRepository(dbPath)
	if err != nil {
		log.Error("open repository", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	store, err := recording.NewFileStore(filepath.Join(dataDir, "artifacts"))
	if err != nil {
		log.Error("artifact store", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	ff := media.NewFFmpeg(ffmpegPath, ffprobePath, profile)
	fillers, err := filler.New(filepath.Join(dataDir, "fillers"), profile.Extension, ff,
		filler.WithTimeout(transcodeTimeout),
		filler.WithLogger(log.With("component", "filler")),
		filler.WithObserver(met),
	)
	if err != nil {
		log.Error("filler cache", "error", err)
		os.Exit(1)
	}

	synth := timeline.NewSynthesizer(ff, fillers, timeline.Config{
		CallTimeout:     transcodeTimeout,
		EmptyLogEnabled: emptyLogEnabled,
		TargetCodecs: map[timeline.Channel]string{
			timeline.ChannelScreen: profile.Video.Codec,
			timeline.ChannelCamera: profile.Video.Codec,
			timeline.ChannelAudio:  profile.Audio.Codec,
		},
	}, log.With("component", "synthesizer"))

	deps := recording.Deps{
		Repo:        repo,
		Store:       store,
		Synthesizer: synth,
		Media:       ff,
		Recorder:    met,
		Logger:      log.With("component", "sessions"),
	}
	if whisperPath != "" {
		deps.Transcriber = media.NewWhisper(whisperPath, whisperModel)
	}
	svc := recording.NewService(deps, recording.Config{
		Extension:          profile.Extension,
		ChannelParallelism: parallelism,
		CaptionTimeout:     transcodeTimeout,
	})
	h := recording.NewHandler(svc, log, int64(maxUploadMB)<<20)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			if n, err := svc.ActiveSessions(r.Context()); err == nil {
				met.SetActiveSessions(n)
			}
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"data_dir", dataDir,
		"database", dbPath,
		"captions", whisperPath != "",
		"channel_parallelism", parallelism,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := svc.Wait(drainCtx); err != nil {
		log.Warn("background completions still running", "error", err)
	}

	log.Info("server stopped")
}

// openRepository picks the SQLite repository unless path is ":memory:".
func openRepository(path string) (recording.Repository, func(), error) {
	if path == ":memory:" {
		return recording.NewInMemoryRepository(), func() {}, nil
	}
	repo, err := recording.OpenSQLite(context.Background(), path)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { repo.Close() }, nil
}
