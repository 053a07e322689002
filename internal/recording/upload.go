package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"recording-synth/internal/timeline"
)

// RecordingUpload is a finished recording sent in one request: whole tracks
// per channel plus the client's state-change logs.
type RecordingUpload struct {
	Screen       io.Reader
	Camera       io.Reader
	Audio        io.Reader
	DurationMs   int64
	StateChanges map[timeline.Channel][]timeline.StateChange
	// RecordedAt salts the recording identity. Zero means now.
	RecordedAt time.Time
}

// UploadRecording runs a whole session for a one-shot upload. An upload whose
// identity is already registered returns the existing recording without
// writing anything; created reports whether a new recording was made.
func (s *Service) UploadRecording(ctx context.Context, up RecordingUpload) (rec Recording, created bool, err error) {
	if up.Screen == nil {
		return Recording{}, false, ErrScreenRequired
	}
	recordedAt := up.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	screen := bufio.NewReaderSize(up.Screen, PrefixBytes)
	head, err := screen.Peek(PrefixBytes)
	if err != nil && !errors.Is(err, io.EOF) {
		return Recording{}, false, fmt.Errorf("read screen recording: %w", err)
	}
	id := s.registry.IdentifyUpload(head, recordedAt)
	if existing, err := s.registry.Lookup(ctx, id); err == nil {
		s.rec.RecordingDeduplicated()
		s.log.Info("upload matched existing recording", slog.String("recording_id", string(id)))
		return existing, false, nil
	}

	sess, err := s.openSession(ctx, recordedAt)
	if err != nil {
		return Recording{}, false, err
	}
	tracks := []struct {
		channel timeline.Channel
		body    io.Reader
	}{
		{timeline.ChannelScreen, screen},
		{timeline.ChannelCamera, up.Camera},
		{timeline.ChannelAudio, up.Audio},
	}
	for _, t := range tracks {
		if t.body == nil {
			continue
		}
		if _, err := s.UploadTrack(ctx, sess.ID, t.channel, t.body); err != nil {
			s.abandon(context.WithoutCancel(ctx), sess.ID)
			return Recording{}, false, fmt.Errorf("upload %s: %w", t.channel, err)
		}
	}

	done, err := s.CompleteSession(ctx, sess.ID, CompleteRequest{
		DurationMs:   up.DurationMs,
		StateChanges: up.StateChanges,
	})
	if err != nil {
		// A rejected claim leaves the session active with nobody to finish it.
		if done.ID == "" {
			s.abandon(context.WithoutCancel(ctx), sess.ID)
		}
		return Recording{}, false, err
	}
	rec, err = s.registry.Lookup(ctx, done.RecordingID)
	if err != nil {
		return Recording{}, false, err
	}
	return rec, rec.SessionID == sess.ID, nil
}
