package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"recording-synth/internal/media"
	"recording-synth/internal/timeline"
)

// fakeSynth writes a small file per channel instead of running ffmpeg.
type fakeSynth struct {
	mu     sync.Mutex
	calls  []timeline.Request
	errs   map[timeline.Channel]error
	panics map[timeline.Channel]bool
	// during runs at the start of every call with the call's context.
	during func(ctx context.Context, req timeline.Request)
}

func (f *fakeSynth) Synthesize(ctx context.Context, req timeline.Request) (timeline.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.errs[req.Channel]
	boom := f.panics[req.Channel]
	during := f.during
	f.mu.Unlock()

	if during != nil {
		during(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return timeline.Result{}, err
	}
	if boom {
		panic("synthesizer exploded")
	}
	if err != nil {
		return timeline.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return timeline.Result{}, err
	}
	if err := os.WriteFile(req.OutputPath, []byte("synth:"+string(req.Channel)), 0o644); err != nil {
		return timeline.Result{}, err
	}
	return timeline.Result{Channel: req.Channel, Path: req.OutputPath}, nil
}

func (f *fakeSynth) requests() []timeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]timeline.Request(nil), f.calls...)
}

func (f *fakeSynth) request(ch timeline.Channel) (timeline.Request, bool) {
	for _, r := range f.requests() {
		if r.Channel == ch {
			return r, true
		}
	}
	return timeline.Request{}, false
}

// fakeMedia stands in for ffmpeg/ffprobe.
type fakeMedia struct {
	duration time.Duration
	muxes    atomic.Int32
	burns    atomic.Int32
}

func (f *fakeMedia) Probe(_ context.Context, _ string) (media.Info, error) {
	return media.Info{Duration: f.duration, VideoCodec: "vp9", AudioCodec: "opus"}, nil
}

func (f *fakeMedia) Mux(_ context.Context, video, audio, dst string) error {
	f.muxes.Add(1)
	return os.WriteFile(dst, []byte("mux"), 0o644)
}

func (f *fakeMedia) BurnCaptions(_ context.Context, video, captions, dst string) error {
	f.burns.Add(1)
	return os.WriteFile(dst, []byte("subtitled"), 0o644)
}

type fakeTranscriber struct {
	cues []media.Cue
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, string) ([]media.Cue, error) {
	return f.cues, f.err
}

type testEnv struct {
	svc   *Service
	repo  Repository
	store *FileStore
	synth *fakeSynth
	media *fakeMedia
}

func newTestEnv(t *testing.T, tr Transcriber) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, tr, NewInMemoryRepository())
}

func newTestEnvWithRepo(t *testing.T, tr Transcriber, repo Repository) *testEnv {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	env := &testEnv{
		repo:  repo,
		store: store,
		synth: &fakeSynth{},
		media: &fakeMedia{duration: 4 * time.Second},
	}
	env.svc = NewService(Deps{
		Repo:        env.repo,
		Store:       store,
		Synthesizer: env.synth,
		Media:       env.media,
		Transcriber: tr,
		Logger:      slog.New(slog.DiscardHandler),
	}, Config{})
	return env
}
