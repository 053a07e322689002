package timeline

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownChannel is returned for channel names other than screen, camera and audio.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNonPositiveDuration is returned when a plan is requested for a duration <= 0.
	ErrNonPositiveDuration = errors.New("master duration must be positive")

	// ErrSourceMissing marks a real piece whose artifact is not on disk.
	ErrSourceMissing = errors.New("source artifact missing")
)

// Cause classifies why a channel could not be synthesized.
type Cause string

const (
	CauseTranscoder    Cause = "transcoder_error"
	CauseTimeout       Cause = "timeout"
	CauseSourceMissing Cause = "source_missing"
	CauseInternal      Cause = "internal"
)

// SynthesisError reports a failed channel synthesis.
type SynthesisError struct {
	Channel Channel
	Cause   Cause
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed for %s (%s): %v", e.Channel, e.Cause, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// synthesisError wraps err for channel, deriving the cause from the error chain.
func synthesisError(channel Channel, err error) error {
	var se *SynthesisError
	if errors.As(err, &se) {
		return err
	}
	return &SynthesisError{Channel: channel, Cause: classify(err), Err: err}
}

func classify(err error) Cause {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CauseTimeout
	case errors.Is(err, ErrSourceMissing):
		return CauseSourceMissing
	default:
		return CauseTranscoder
	}
}
