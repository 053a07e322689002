package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"recording-synth/internal/media"
	"recording-synth/internal/timeline"
)

// writeCaptions transcribes the audio artifact into a WebVTT file next to the
// session's other outputs.
func (s *Service) writeCaptions(ctx context.Context, id SessionID, audio string) (string, error) {
	if s.cfg.CaptionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CaptionTimeout)
		defer cancel()
	}
	cues, err := s.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := media.WriteVTT(&buf, cues); err != nil {
		return "", err
	}
	return s.store.Save(ctx, outputKey(id, "captions.vtt"), &buf)
}

// SubtitledVideo returns the screen artifact with captions burned in,
// producing it on first request. Concurrent requests share one render.
func (s *Service) SubtitledVideo(ctx context.Context, id RecordingID) (string, error) {
	rec, err := s.registry.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.SubtitledPath != "" && fileExists(rec.SubtitledPath) {
		return rec.SubtitledPath, nil
	}
	if rec.CaptionsPath == "" {
		return "", fmt.Errorf("%w: captions", ErrArtifactMissing)
	}
	screen := rec.Artifacts[timeline.ChannelScreen]
	if screen == "" {
		return "", fmt.Errorf("%w: %s", ErrArtifactMissing, timeline.ChannelScreen)
	}

	v, err, _ := s.subtitles.Do(string(id), func() (any, error) {
		return s.renderSubtitled(context.WithoutCancel(ctx), rec, screen)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) renderSubtitled(ctx context.Context, rec Recording, screen string) (string, error) {
	input := screen
	if audio := rec.Artifacts[timeline.ChannelAudio]; audio != "" {
		muxed := s.store.Path(outputKey(rec.SessionID, "muxed"+s.cfg.Extension))
		if err := s.media.Mux(ctx, screen, audio, muxed); err != nil {
			return "", fmt.Errorf("subtitled %s: %w", rec.ID, err)
		}
		defer os.Remove(muxed)
		input = muxed
	}

	dst := s.store.Path(outputKey(rec.SessionID, "subtitled"+s.cfg.Extension))
	if err := s.media.BurnCaptions(ctx, input, rec.CaptionsPath, dst); err != nil {
		return "", fmt.Errorf("subtitled %s: %w", rec.ID, err)
	}
	if err := s.repo.SetSubtitled(ctx, rec.ID, dst); err != nil {
		return "", err
	}
	s.log.Info("subtitled video rendered",
		slog.String("recording_id", string(rec.ID)),
		slog.String("path", dst))
	return dst, nil
}

// GetRecording returns a finalized recording.
func (s *Service) GetRecording(ctx context.Context, id RecordingID) (Recording, error) {
	return s.registry.Lookup(ctx, id)
}

// DeleteRecording removes a recording and everything its session produced.
func (s *Service) DeleteRecording(ctx context.Context, id RecordingID) error {
	rec, err := s.registry.Delete(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrRecordingNotFound) {
			s.log.Warn("delete recording incomplete",
				slog.String("recording_id", string(id)),
				slog.String("error", err.Error()))
		}
		return err
	}
	s.log.Info("recording deleted",
		slog.String("recording_id", string(id)),
		slog.String("session_id", string(rec.SessionID)))
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
