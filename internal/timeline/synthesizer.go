package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recording-synth/internal/media"
)

// Transcoder is the part of the external transcoding toolkit the synthesizer drives.
type Transcoder interface {
	Probe(ctx context.Context, path string) (media.Info, error)
	Trim(ctx context.Context, src, dst string, start, end time.Duration) error
	Concat(ctx context.Context, inputs []string, dst string, streamCopy bool) error
}

// FillerSource resolves a filler spec to a ready-made clip.
type FillerSource interface {
	GetOrCreate(ctx context.Context, spec FillerSpec) (string, error)
}

// Config tunes a Synthesizer.
type Config struct {
	// CallTimeout bounds every transcoder invocation. Zero disables the bound.
	CallTimeout time.Duration
	// EmptyLogEnabled is the state applied to a track whose state-change log is empty.
	EmptyLogEnabled bool
	// TargetCodecs maps each channel to the codec filler clips are encoded
	// with. Concatenation uses stream copy only when every real piece matches.
	TargetCodecs map[Channel]string
}

// Request asks for one channel's continuous artifact.
type Request struct {
	SessionID  string
	Channel    Channel
	DurationMs int64
	Source     Source
	// WorkDir receives intermediate trimmed pieces.
	WorkDir string
	// OutputPath is where the concatenated artifact is written.
	OutputPath string
}

// Result describes a synthesized channel.
type Result struct {
	Channel    Channel
	Path       string
	Plan       Plan
	StreamCopy bool
}

// Synthesizer turns a channel's source data into one artifact spanning the
// whole session timeline.
type Synthesizer struct {
	tc      Transcoder
	fillers FillerSource
	cfg     Config
	log     *slog.Logger
}

// NewSynthesizer returns a Synthesizer. log may be nil.
func NewSynthesizer(tc Transcoder, fillers FillerSource, cfg Config, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Synthesizer{tc: tc, fillers: fillers, cfg: cfg, log: log}
}

// Plan builds the TimelinePlan for src without producing any media. Track
// sources are probed for their real length.
func (s *Synthesizer) Plan(ctx context.Context, channel Channel, src Source, durationMs int64) (Plan, error) {
	switch src := src.(type) {
	case nil:
		return BuildFillerPlan(channel, durationMs)
	case SegmentSource:
		return BuildSegmentPlan(channel, src.Segments, durationMs)
	case TrackSource:
		if src.Path == "" {
			return BuildFillerPlan(channel, durationMs)
		}
		if err := checkSource(src.Path); err != nil {
			return Plan{}, err
		}
		info, err := s.probe(ctx, src.Path)
		if err != nil {
			return Plan{}, err
		}
		return BuildTrackPlan(channel, src.Path, info.Duration.Milliseconds(), src.Changes, durationMs, s.cfg.EmptyLogEnabled)
	default:
		return Plan{}, fmt.Errorf("unsupported source %T", src)
	}
}

// Synthesize plans the channel, materialises every piece and concatenates
// them into req.OutputPath. Failures are returned as *SynthesisError.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		if err != nil {
			err = synthesisError(req.Channel, err)
		}
	}()

	plan, err := s.Plan(ctx, req.Channel, req.Source, req.DurationMs)
	if err != nil {
		return Result{}, err
	}
	if err := plan.Validate(); err != nil {
		return Result{}, &SynthesisError{Channel: req.Channel, Cause: CauseInternal, Err: err}
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return Result{}, &SynthesisError{Channel: req.Channel, Cause: CauseInternal, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return Result{}, &SynthesisError{Channel: req.Channel, Cause: CauseInternal, Err: err}
	}

	inputs, streamCopy, err := s.materialize(ctx, req, plan)
	if err != nil {
		return Result{}, err
	}

	err = s.call(ctx, func(ctx context.Context) error {
		return s.tc.Concat(ctx, inputs, req.OutputPath, streamCopy)
	})
	if err != nil {
		return Result{}, fmt.Errorf("concat %s: %w", req.Channel, err)
	}

	s.log.Info("channel synthesized",
		slog.String("session_id", req.SessionID),
		slog.String("channel", string(req.Channel)),
		slog.Int("pieces", len(plan.Pieces)),
		slog.Int("fillers", plan.FillerCount()),
		slog.Bool("stream_copy", streamCopy),
		slog.Int64("duration_ms", plan.DurationMs))

	return Result{Channel: req.Channel, Path: req.OutputPath, Plan: plan, StreamCopy: streamCopy}, nil
}

// materialize resolves every piece of plan to a file, in order.
func (s *Synthesizer) materialize(ctx context.Context, req Request, plan Plan) ([]string, bool, error) {
	inputs := make([]string, 0, len(plan.Pieces))
	streamCopy := true
	target := s.cfg.TargetCodecs[req.Channel]
	ext := filepath.Ext(req.OutputPath)
	probed := make(map[string]media.Info)

	for i, pc := range plan.Pieces {
		switch pc.Kind {
		case PieceFiller:
			spec := pc.Filler
			if spec.Empty() {
				// A sub-second gap is absorbed unless it is the whole timeline.
				if len(plan.Pieces) > 1 {
					continue
				}
				spec.Seconds = 1
			}
			path, err := s.fillers.GetOrCreate(ctx, spec)
			if err != nil {
				return nil, false, fmt.Errorf("filler %s: %w", spec, err)
			}
			inputs = append(inputs, path)

		case PieceReal:
			if err := checkSource(pc.Source); err != nil {
				return nil, false, err
			}
			info, ok := probed[pc.Source]
			if !ok {
				var err error
				if info, err = s.probe(ctx, pc.Source); err != nil {
					return nil, false, err
				}
				probed[pc.Source] = info
			}
			if target == "" || !strings.EqualFold(info.CodecFor(req.Channel == ChannelAudio), target) {
				streamCopy = false
			}

			path := pc.Source
			if pc.Partial {
				path = filepath.Join(req.WorkDir, fmt.Sprintf("%s_piece_%03d%s", req.Channel, i, ext))
				start := time.Duration(pc.OffsetMs) * time.Millisecond
				end := time.Duration(pc.OffsetMs+pc.DurationMs) * time.Millisecond
				err := s.call(ctx, func(ctx context.Context) error {
					return s.tc.Trim(ctx, pc.Source, path, start, end)
				})
				if err != nil {
					return nil, false, fmt.Errorf("trim %s: %w", pc.Source, err)
				}
			}
			inputs = append(inputs, path)
		}
	}
	return inputs, streamCopy, nil
}

func (s *Synthesizer) probe(ctx context.Context, path string) (media.Info, error) {
	var info media.Info
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		info, err = s.tc.Probe(ctx, path)
		return err
	})
	if err != nil {
		return media.Info{}, fmt.Errorf("probe %s: %w", path, err)
	}
	return info, nil
}

// call runs fn under the configured timeout. When the deadline fires the
// returned error wraps context.DeadlineExceeded even if the collaborator
// reported something else, such as a killed process.
func (s *Synthesizer) call(ctx context.Context, fn func(context.Context) error) error {
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func checkSource(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		return err
	}
	return nil
}
