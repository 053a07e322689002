// Package filler produces and memoizes the synthetic clips that cover gaps in
// a channel's timeline.
package filler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"recording-synth/internal/timeline"
)

// Generator synthesizes filler clips in the fixed target format.
type Generator interface {
	GenerateSilence(ctx context.Context, dst string, d time.Duration) error
	GenerateBlank(ctx context.Context, dst string, d time.Duration) error
}

// GenerationError reports a filler clip that could not be produced.
type GenerationError struct {
	Spec timeline.FillerSpec
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate filler %s: %v", e.Spec, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Observer is notified about cache activity. It may be nil.
type Observer interface {
	FillerHit(kind timeline.FillerKind)
	FillerGenerated(kind timeline.FillerKind)
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits        int64
	Generations int64
}

// Cache maps filler specs to clip files. Entries are created lazily and never
// invalidated; a clip is a pure function of its spec, so clips are shared by
// all sessions. At most one generation runs per spec.
type Cache struct {
	dir       string
	ext       string
	gen       Generator
	timeout   time.Duration
	log       *slog.Logger
	observers []Observer

	mu      sync.RWMutex
	entries map[timeline.FillerSpec]string
	group   singleflight.Group

	hits        atomic.Int64
	generations atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTimeout bounds each generation.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithObserver registers an activity observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// New returns a cache that keeps clips with extension ext under dir.
func New(dir, ext string, gen Generator, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filler cache dir: %w", err)
	}
	c := &Cache{
		dir:     dir,
		ext:     ext,
		gen:     gen,
		log:     slog.New(slog.DiscardHandler),
		entries: make(map[timeline.FillerSpec]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrCreate returns the clip for spec, generating it on first use. A caller
// that arrives while the same spec is being generated waits for that
// generation and shares its result.
func (c *Cache) GetOrCreate(ctx context.Context, spec timeline.FillerSpec) (string, error) {
	if spec.Empty() {
		return "", &GenerationError{Spec: spec, Err: errors.New("zero-length filler")}
	}
	if path, ok := c.lookup(spec); ok {
		c.hit(spec.Kind)
		return path, nil
	}

	v, err, _ := c.group.Do(spec.String(), func() (any, error) {
		// A flight for this spec may have finished between lookup and Do.
		if path, ok := c.lookup(spec); ok {
			return path, nil
		}
		path, err := c.materialize(ctx, spec)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[spec] = path
		c.mu.Unlock()
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Warm generates fillers of kind for every whole second from 1 to maxSeconds.
func (c *Cache) Warm(ctx context.Context, kind timeline.FillerKind, maxSeconds int64) error {
	for s := int64(1); s <= maxSeconds; s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.GetOrCreate(ctx, timeline.FillerSpec{Kind: kind, Seconds: s}); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns activity counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Generations: c.generations.Load()}
}

// Path returns where the clip for spec lives, whether or not it exists yet.
func (c *Cache) Path(spec timeline.FillerSpec) string {
	prefix := "black"
	if spec.Kind == timeline.FillerSilentAudio {
		prefix = "silent"
	}
	return filepath.Join(c.dir, fmt.Sprintf("%s_%ds%s", prefix, spec.Seconds, c.ext))
}

func (c *Cache) lookup(spec timeline.FillerSpec) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.entries[spec]
	return path, ok
}

// materialize produces the clip file, reusing one left by an earlier process.
// The file lock keeps concurrent processes sharing the directory from
// generating the same clip twice.
func (c *Cache) materialize(ctx context.Context, spec timeline.FillerSpec) (string, error) {
	path := c.Path(spec)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return "", &GenerationError{Spec: spec, Err: fmt.Errorf("lock: %w", err)}
	}
	defer lock.Unlock()

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		c.hit(spec.Kind)
		return path, nil
	}

	// Generation outlives any single waiter's cancellation.
	genCtx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(genCtx, c.timeout)
		defer cancel()
	}

	tmp := filepath.Join(c.dir, fmt.Sprintf(".tmp_%d_%s", time.Now().UnixNano(), filepath.Base(path)))
	d := time.Duration(spec.Seconds) * time.Second
	start := time.Now()

	var err error
	switch spec.Kind {
	case timeline.FillerSilentAudio:
		err = c.gen.GenerateSilence(genCtx, tmp, d)
	case timeline.FillerBlankVideo:
		err = c.gen.GenerateBlank(genCtx, tmp, d)
	default:
		err = fmt.Errorf("unknown filler kind %q", spec.Kind)
	}
	if err != nil {
		os.Remove(tmp)
		if genCtx.Err() != nil && !errors.Is(err, genCtx.Err()) {
			err = fmt.Errorf("%w: %w", genCtx.Err(), err)
		}
		return "", &GenerationError{Spec: spec, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", &GenerationError{Spec: spec, Err: err}
	}

	c.generations.Add(1)
	for _, o := range c.observers {
		o.FillerGenerated(spec.Kind)
	}
	c.log.Info("filler generated",
		slog.String("spec", spec.String()),
		slog.String("path", path),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())))
	return path, nil
}

func (c *Cache) hit(kind timeline.FillerKind) {
	c.hits.Add(1)
	for _, o := range c.observers {
		o.FillerHit(kind)
	}
}
