package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"recording-synth/internal/media"
	"recording-synth/internal/timeline"
)

// DefaultChannelParallelism is how many channels are synthesized at once.
const DefaultChannelParallelism = 3

// Synthesizer produces one channel's continuous artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, req timeline.Request) (timeline.Result, error)
}

// MediaTool is the part of the transcoding toolkit the service drives directly.
type MediaTool interface {
	Probe(ctx context.Context, path string) (media.Info, error)
	Mux(ctx context.Context, video, audio, dst string) error
	BurnCaptions(ctx context.Context, video, captions, dst string) error
}

// Transcriber turns an audio artifact into captions.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]media.Cue, error)
}

// Recorder receives service events for metrics.
type Recorder interface {
	SessionOpened()
	SegmentUploaded(ch timeline.Channel)
	SessionFinished(state string)
	RecordingDeduplicated()
	ChannelSynthesized(ch timeline.Channel, elapsed time.Duration, err error)
}

// Config tunes a Service.
type Config struct {
	// Extension is the container extension of stored uploads and artifacts.
	Extension string
	// ChannelParallelism bounds concurrent channel syntheses per session.
	ChannelParallelism int
	// CaptionTimeout bounds transcription. Zero disables the bound.
	CaptionTimeout time.Duration
}

// Deps are the collaborators of a Service. Transcriber, Recorder and Logger
// may be nil.
type Deps struct {
	Repo        Repository
	Store       Store
	Synthesizer Synthesizer
	Media       MediaTool
	Transcriber Transcriber
	Recorder    Recorder
	Logger      *slog.Logger
}

// Service is the session manager: it owns the session lifecycle, accepts
// uploads, and drives synthesis and finalization on completion.
type Service struct {
	repo        Repository
	store       Store
	registry    *Registry
	synth       Synthesizer
	media       MediaTool
	transcriber Transcriber
	rec         Recorder
	log         *slog.Logger
	cfg         Config
	now         func() time.Time

	wg        sync.WaitGroup
	subtitles singleflight.Group
}

// NewService returns a Service. Zero config fields take defaults.
func NewService(d Deps, cfg Config) *Service {
	if cfg.Extension == "" {
		cfg.Extension = ".webm"
	}
	if cfg.ChannelParallelism <= 0 {
		cfg.ChannelParallelism = DefaultChannelParallelism
	}
	log := d.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	rec := d.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		repo:        d.Repo,
		store:       d.Store,
		registry:    NewRegistry(d.Repo, d.Store),
		synth:       d.Synthesizer,
		media:       d.Media,
		transcriber: d.Transcriber,
		rec:         rec,
		log:         log,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Registry returns the recording registry the service finalizes into.
func (s *Service) Registry() *Registry { return s.registry }

// OpenSession creates a new active session.
func (s *Service) OpenSession(ctx context.Context) (Session, error) {
	return s.openSession(ctx, s.now())
}

func (s *Service) openSession(ctx context.Context, createdAt time.Time) (Session, error) {
	sess := Session{
		ID:        SessionID(uuid.NewString()),
		State:     StateActive,
		CreatedAt: time.UnixMilli(createdAt.UnixMilli()).UTC(),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("open session: %w", err)
	}
	s.rec.SessionOpened()
	s.log.Info("session opened", slog.String("session_id", string(sess.ID)))
	return s.repo.GetSession(ctx, sess.ID)
}

// GetSession returns the session or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, id SessionID) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSegments returns the session's segments.
func (s *Service) ListSegments(ctx context.Context, id SessionID) ([]timeline.Segment, error) {
	return s.repo.ListSegments(ctx, id)
}

// UploadSegment stores a captured segment of channel covering [startMs, endMs)
// on the session timeline.
func (s *Service) UploadSegment(ctx context.Context, id SessionID, ch timeline.Channel, startMs, endMs int64, body io.Reader) (timeline.Segment, error) {
	if !ch.Valid() {
		return timeline.Segment{}, fmt.Errorf("%w: %q", timeline.ErrUnknownChannel, ch)
	}
	if startMs < 0 || endMs <= startMs {
		return timeline.Segment{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidInterval, startMs, endMs)
	}
	if err := s.requireActive(ctx, id); err != nil {
		return timeline.Segment{}, err
	}

	path, err := s.store.Save(ctx, segmentKey(id, string(ch), startMs, endMs, s.cfg.Extension), body)
	if err != nil {
		return timeline.Segment{}, err
	}
	seg := timeline.Segment{Channel: ch, StartMs: startMs, EndMs: endMs, Path: path}
	if err := s.repo.AddSegment(ctx, id, seg); err != nil {
		os.Remove(path)
		return timeline.Segment{}, err
	}

	s.rec.SegmentUploaded(ch)
	s.log.Debug("segment uploaded",
		slog.String("session_id", string(id)),
		slog.String("channel", string(ch)),
		slog.Int64("start_ms", startMs),
		slog.Int64("end_ms", endMs))
	return seg, nil
}

// UploadTrack stores one continuous captured track for channel, replacing any
// earlier track of the same channel.
func (s *Service) UploadTrack(ctx context.Context, id SessionID, ch timeline.Channel, body io.Reader) (string, error) {
	if !ch.Valid() {
		return "", fmt.Errorf("%w: %q", timeline.ErrUnknownChannel, ch)
	}
	if err := s.requireActive(ctx, id); err != nil {
		return "", err
	}

	path, err := s.store.Save(ctx, trackKey(id, string(ch), s.cfg.Extension), body)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetTrack(ctx, id, ch, path); err != nil {
		os.Remove(path)
		return "", err
	}

	s.rec.SegmentUploaded(ch)
	s.log.Debug("track uploaded",
		slog.String("session_id", string(id)),
		slog.String("channel", string(ch)))
	return path, nil
}

// CompleteRequest carries what the client knows at completion time.
type CompleteRequest struct {
	// DurationMs is the master duration; <= 0 derives it from the uploads.
	DurationMs   int64
	StateChanges map[timeline.Channel][]timeline.StateChange
}

// CompleteSession finalizes the session: it synthesizes every channel that has
// data and records the outcome. On a synthesis failure the failed session is
// returned together with the first channel's *timeline.SynthesisError.
//
// Once the session is claimed, cancelling ctx no longer affects the work: a
// claimed session always reaches completed or failed.
func (s *Service) CompleteSession(ctx context.Context, id SessionID, req CompleteRequest) (Session, error) {
	snap, err := s.claim(ctx, id, req)
	if err != nil {
		return Session{}, err
	}
	return s.finalize(context.WithoutCancel(ctx), snap)
}

// CompleteSessionAsync claims the session like CompleteSession and returns the
// finalizing session at once; synthesis continues in the background until
// Wait drains it.
func (s *Service) CompleteSessionAsync(ctx context.Context, id SessionID, req CompleteRequest) (Session, error) {
	snap, err := s.claim(ctx, id, req)
	if err != nil {
		return Session{}, err
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.finalize(bg, snap); err != nil {
			s.log.Warn("background completion failed",
				slog.String("session_id", string(id)),
				slog.String("error", err.Error()))
		}
	}()
	return snap.Session, nil
}

// Wait blocks until background completions finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of sessions accepting uploads.
func (s *Service) ActiveSessions(ctx context.Context) (int, error) {
	return s.repo.CountSessions(ctx, StateActive)
}

func (s *Service) requireActive(ctx context.Context, id SessionID) error {
	sess, err := s.repo.GetSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return ErrSessionNotActive
	}
	if err != nil {
		return err
	}
	if sess.State != StateActive {
		return ErrSessionNotActive
	}
	return nil
}

func (s *Service) claim(ctx context.Context, id SessionID, req CompleteRequest) (Snapshot, error) {
	for ch := range req.StateChanges {
		if !ch.Valid() {
			return Snapshot{}, fmt.Errorf("%w: %q", timeline.ErrUnknownChannel, ch)
		}
	}
	c := Claim{DurationMs: req.DurationMs, StateLogs: req.StateChanges}
	if req.DurationMs <= 0 {
		c.FallbackMs = s.longestTrack(ctx, id)
	}

	snap, err := s.repo.ClaimCompletion(ctx, id, c)
	if errors.Is(err, ErrSessionNotFound) {
		return Snapshot{}, ErrSessionNotActive
	}
	if err != nil {
		return Snapshot{}, err
	}
	s.log.Info("session finalizing",
		slog.String("session_id", string(id)),
		slog.Int64("duration_ms", snap.Session.DurationMs),
		slog.Int("segments", len(snap.Segments)),
		slog.Int("tracks", len(snap.Session.Tracks)))
	return snap, nil
}

// longestTrack probes the session's whole tracks and returns the longest, in
// milliseconds. It is the duration of last resort for track-only sessions.
func (s *Service) longestTrack(ctx context.Context, id SessionID) int64 {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil || s.media == nil {
		return 0
	}
	var longest int64
	for _, ch := range timeline.Channels {
		path, ok := sess.Tracks[ch]
		if !ok {
			continue
		}
		info, err := s.media.Probe(ctx, path)
		if err != nil {
			s.log.Warn("probe track failed",
				slog.String("session_id", string(id)),
				slog.String("channel", string(ch)),
				slog.String("error", err.Error()))
			continue
		}
		longest = max(longest, info.Duration.Milliseconds())
	}
	return longest
}

type channelJob struct {
	channel timeline.Channel
	source  timeline.Source
}

type channelResult struct {
	channel timeline.Channel
	result  timeline.Result
	err     error
}

// jobs lists the channels that have data, in channel order.
func jobs(snap Snapshot) []channelJob {
	var out []channelJob
	for _, ch := range timeline.Channels {
		if segs := snap.SegmentsFor(ch); len(segs) > 0 {
			out = append(out, channelJob{channel: ch, source: timeline.SegmentSource{Segments: segs}})
			continue
		}
		if path, ok := snap.Session.Tracks[ch]; ok && path != "" {
			out = append(out, channelJob{channel: ch, source: timeline.TrackSource{
				Path:    path,
				Changes: snap.Session.StateLogs[ch],
			}})
		}
	}
	return out
}

func (s *Service) finalize(ctx context.Context, snap Snapshot) (Session, error) {
	sess := snap.Session
	log := s.log.With(slog.String("session_id", string(sess.ID)))

	recID := s.identify(snap)
	if existing, err := s.registry.Lookup(ctx, recID); err == nil {
		return s.finishDuplicate(ctx, sess.ID, existing)
	}

	results := s.synthesizeAll(ctx, snap)
	artifacts := make(map[timeline.Channel]string, len(results))
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		artifacts[r.channel] = r.result.Path
	}

	if firstErr != nil {
		failure := failureOf(firstErr)
		log.Error("session failed",
			slog.String("channel", string(failure.Channel)),
			slog.String("cause", string(failure.Cause)),
			slog.String("error", failure.Message))
		return s.finishFailed(ctx, sess.ID, artifacts, failure, firstErr)
	}

	var captions string
	if audio, ok := artifacts[timeline.ChannelAudio]; ok && s.transcriber != nil {
		path, err := s.writeCaptions(ctx, sess.ID, audio)
		if err != nil {
			// Captions are optional; the recording is complete without them.
			log.Warn("captions skipped", slog.String("error", err.Error()))
		} else {
			captions = path
		}
	}

	rec := Recording{
		ID:           recID,
		SessionID:    sess.ID,
		Artifacts:    artifacts,
		CaptionsPath: captions,
		DurationMs:   sess.DurationMs,
		CreatedAt:    s.now().UTC(),
	}
	err := s.registry.Finalize(ctx, rec)
	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		existing, lerr := s.registry.Lookup(ctx, recID)
		if lerr != nil {
			return Session{}, fmt.Errorf("finalize %s: %w", sess.ID, lerr)
		}
		return s.finishDuplicate(ctx, sess.ID, existing)
	case err != nil:
		failure := &Failure{Cause: timeline.CauseInternal, Message: err.Error()}
		return s.finishFailed(ctx, sess.ID, artifacts, failure, fmt.Errorf("finalize %s: %w", sess.ID, err))
	}

	s.rec.SessionFinished(string(StateCompleted))
	log.Info("session completed",
		slog.String("recording_id", string(recID)),
		slog.Int("artifacts", len(artifacts)),
		slog.Bool("captions", captions != ""))
	return s.repo.GetSession(ctx, sess.ID)
}

// synthesizeAll runs every channel to completion. A failing channel does not
// cancel the others, so their artifacts stay available for diagnosis.
func (s *Service) synthesizeAll(ctx context.Context, snap Snapshot) []channelResult {
	js := jobs(snap)
	results := make([]channelResult, len(js))

	var g errgroup.Group
	g.SetLimit(s.cfg.ChannelParallelism)
	for i, job := range js {
		g.Go(func() error {
			results[i] = s.synthesizeChannel(ctx, snap.Session, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) synthesizeChannel(ctx context.Context, sess Session, job channelJob) (res channelResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = channelResult{channel: job.channel, err: &timeline.SynthesisError{
				Channel: job.channel,
				Cause:   timeline.CauseInternal,
				Err:     fmt.Errorf("panic: %v", r),
			}}
		}
		s.rec.ChannelSynthesized(job.channel, time.Since(start), res.err)
	}()

	out, err := s.synth.Synthesize(ctx, timeline.Request{
		SessionID:  string(sess.ID),
		Channel:    job.channel,
		DurationMs: sess.DurationMs,
		Source:     job.source,
		WorkDir:    s.store.Path(workKey(sess.ID, string(job.channel))),
		OutputPath: s.store.Path(outputKey(sess.ID, string(job.channel)+s.cfg.Extension)),
	})
	return channelResult{channel: job.channel, result: out, err: err}
}

// identify derives the recording id from the first channel with data,
// preferring the screen, salted with the session open time.
func (s *Service) identify(snap Snapshot) RecordingID {
	salt := snap.Session.CreatedAt
	for _, job := range jobs(snap) {
		var path string
		switch src := job.source.(type) {
		case timeline.SegmentSource:
			path = src.Segments[0].Path
		case timeline.TrackSource:
			path = src.Path
		}
		id, err := s.registry.IdentifyFile(path, salt)
		if err != nil {
			s.log.Warn("identify recording",
				slog.String("session_id", string(snap.Session.ID)),
				slog.String("error", err.Error()))
			break
		}
		return id
	}
	return s.registry.IdentifyUpload(nil, salt)
}

func (s *Service) finishDuplicate(ctx context.Context, id SessionID, existing Recording) (Session, error) {
	out := Outcome{
		State:        StateCompleted,
		Artifacts:    existing.Artifacts,
		CaptionsPath: existing.CaptionsPath,
		RecordingID:  existing.ID,
	}
	if err := s.repo.FinishSession(ctx, id, out, nil); err != nil {
		return Session{}, fmt.Errorf("finish session %s: %w", id, err)
	}
	s.rec.RecordingDeduplicated()
	s.rec.SessionFinished(string(StateCompleted))
	s.log.Info("session matched existing recording",
		slog.String("session_id", string(id)),
		slog.String("recording_id", string(existing.ID)))
	return s.repo.GetSession(ctx, id)
}

func (s *Service) finishFailed(ctx context.Context, id SessionID, artifacts map[timeline.Channel]string, failure *Failure, cause error) (Session, error) {
	out := Outcome{State: StateFailed, Artifacts: artifacts, Failure: failure}
	if err := s.repo.FinishSession(ctx, id, out, nil); err != nil {
		return Session{}, fmt.Errorf("finish session %s: %w", id, err)
	}
	s.rec.SessionFinished(string(StateFailed))
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return sess, cause
}

func failureOf(err error) *Failure {
	var se *timeline.SynthesisError
	if errors.As(err, &se) {
		msg := se.Error()
		if se.Err != nil {
			msg = se.Err.Error()
		}
		return &Failure{Channel: se.Channel, Cause: se.Cause, Message: msg}
	}
	return &Failure{Cause: timeline.CauseInternal, Message: err.Error()}
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()                                            {}
func (nopRecorder) SegmentUploaded(timeline.Channel)                          {}
func (nopRecorder) SessionFinished(string)                                    {}
func (nopRecorder) RecordingDeduplicated()                                    {}
func (nopRecorder) ChannelSynthesized(timeline.Channel, time.Duration, error) {}
