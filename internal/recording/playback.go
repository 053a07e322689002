package recording

import (
	"context"
	"fmt"
	"log/slog"

	"recording-synth/internal/timeline"
)

// Playback is what a player needs to replay a recording: the artifacts and
// the on/off history of each channel.
type Playback struct {
	Recording    Recording
	StateChanges map[timeline.Channel][]timeline.StateChange
}

// ListRecordings returns every finalized recording, newest first.
func (s *Service) ListRecordings(ctx context.Context) ([]Recording, error) {
	return s.repo.ListRecordings(ctx)
}

// RecordingPlayback returns a recording with the state logs its session
// completed with.
func (s *Service) RecordingPlayback(ctx context.Context, id RecordingID) (Playback, error) {
	rec, err := s.registry.Lookup(ctx, id)
	if err != nil {
		return Playback{}, err
	}
	sess, err := s.repo.GetSession(ctx, rec.SessionID)
	if err != nil {
		return Playback{}, fmt.Errorf("session of recording %s: %w", id, err)
	}
	return Playback{Recording: rec, StateChanges: sess.StateLogs}, nil
}

// SessionPlayback returns the recording a completed session resolved to. A
// session matched to an earlier recording reports its own state logs.
func (s *Service) SessionPlayback(ctx context.Context, id SessionID) (Playback, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Playback{}, err
	}
	if sess.RecordingID == "" {
		return Playback{}, fmt.Errorf("%w: session %s is %s", ErrArtifactMissing, id, sess.State)
	}
	rec, err := s.registry.Lookup(ctx, sess.RecordingID)
	if err != nil {
		return Playback{}, err
	}
	return Playback{Recording: rec, StateChanges: sess.StateLogs}, nil
}

// DeleteAllRecordings removes every recording and returns how many went.
// It stops at the first failure.
func (s *Service) DeleteAllRecordings(ctx context.Context) (int, error) {
	recs, err := s.repo.ListRecordings(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range recs {
		if err := s.DeleteRecording(ctx, rec.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	s.log.Info("recordings deleted", slog.Int("count", deleted))
	return deleted, nil
}

// abandon drops a session that never got claimed, with its stored uploads.
func (s *Service) abandon(ctx context.Context, id SessionID) {
	log := s.log.With(slog.String("session_id", string(id)))
	if err := s.repo.AbandonSession(ctx, id); err != nil {
		log.Warn("abandon session", slog.String("error", err.Error()))
		return
	}
	if err := s.store.RemoveAll(sessionKey(id)); err != nil {
		log.Warn("remove abandoned uploads", slog.String("error", err.Error()))
	}
	log.Info("session abandoned")
}
