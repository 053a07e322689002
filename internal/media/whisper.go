package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cue is one transcribed caption.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Whisper runs the whisper speech-to-text CLI. Every call re-runs inference.
type Whisper struct {
	path  string
	model string
	run   CommandRunner
}

// NewWhisper returns a transcriber using the whisper binary at path.
func NewWhisper(path, model string) *Whisper {
	if model == "" {
		model = "base"
	}
	return &Whisper{path: path, model: model, run: runCommand}
}

// WithCommandRunner replaces process execution (for testing).
func (w *Whisper) WithCommandRunner(runner CommandRunner) *Whisper {
	w.run = runner
	return w
}

// Transcribe returns the captions for audioPath in playback order.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) ([]Cue, error) {
	dir, err := os.MkdirTemp("", "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	defer os.RemoveAll(dir)

	out, err := w.run(ctx, w.path, audioPath,
		"--model", w.model,
		"--output_format", "json",
		"--output_dir", dir,
		"--verbose", "False",
	)
	if err != nil {
		return nil, fmt.Errorf("whisper %s: %w: %s", audioPath, err, tail(out))
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	data, err := os.ReadFile(filepath.Join(dir, base+".json"))
	if err != nil {
		return nil, fmt.Errorf("whisper output: %w", err)
	}
	return parseWhisper(data)
}

func parseWhisper(data []byte) ([]Cue, error) {
	var payload struct {
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("whisper parse: %w", err)
	}
	cues := make([]Cue, 0, len(payload.Segments))
	for _, s := range payload.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" || s.End <= s.Start {
			continue
		}
		cues = append(cues, Cue{
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
			Text:  text,
		})
	}
	return cues, nil
}
