package recording

import (
	"maps"
	"time"

	"recording-synth/internal/timeline"
)

// SessionID identifies one recording attempt.
type SessionID string

// RecordingID is the content-derived identity of a finalized recording.
type RecordingID string

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateActive SessionState = "active"
	// StateFinalizing is held between a successful completion claim and the
	// synthesis outcome. Uploads and further completions are rejected.
	StateFinalizing SessionState = "finalizing"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Failure explains why a session failed.
type Failure struct {
	Channel timeline.Channel `json:"channel"`
	Cause   timeline.Cause   `json:"cause"`
	Message string           `json:"message"`
}

// Session is one recording attempt and everything uploaded to it, except
// segments, which are read separately.
type Session struct {
	ID           SessionID
	State        SessionState
	CreatedAt    time.Time
	DurationMs   int64
	StateLogs    map[timeline.Channel][]timeline.StateChange
	Tracks       map[timeline.Channel]string
	Artifacts    map[timeline.Channel]string
	CaptionsPath string
	Failure      *Failure
	RecordingID  RecordingID
}

// clone returns a deep copy so callers never share maps with a repository.
func (s Session) clone() Session {
	out := s
	out.StateLogs = make(map[timeline.Channel][]timeline.StateChange, len(s.StateLogs))
	for ch, log := range s.StateLogs {
		out.StateLogs[ch] = append([]timeline.StateChange(nil), log...)
	}
	out.Tracks = maps.Clone(s.Tracks)
	if out.Tracks == nil {
		out.Tracks = map[timeline.Channel]string{}
	}
	out.Artifacts = maps.Clone(s.Artifacts)
	if out.Artifacts == nil {
		out.Artifacts = map[timeline.Channel]string{}
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return out
}

// Recording is the finalized, content-addressed result of a completed session.
type Recording struct {
	ID            RecordingID
	SessionID     SessionID
	Artifacts     map[timeline.Channel]string
	CaptionsPath  string
	SubtitledPath string
	DurationMs    int64
	CreatedAt     time.Time
}

func (r Recording) clone() Recording {
	out := r
	out.Artifacts = maps.Clone(r.Artifacts)
	if out.Artifacts == nil {
		out.Artifacts = map[timeline.Channel]string{}
	}
	return out
}

// Claim carries what completion records on the session when it is claimed.
type Claim struct {
	// DurationMs is the caller-supplied master duration; <= 0 means derive it.
	DurationMs int64
	// FallbackMs is used when neither DurationMs nor segment ends give a duration.
	FallbackMs int64
	StateLogs  map[timeline.Channel][]timeline.StateChange
}

// Snapshot is a consistent view of a session and its segments, taken at claim time.
type Snapshot struct {
	Session  Session
	Segments []timeline.Segment
}

// SegmentsFor returns the snapshot's segments on channel.
func (s Snapshot) SegmentsFor(ch timeline.Channel) []timeline.Segment {
	var out []timeline.Segment
	for _, seg := range s.Segments {
		if seg.Channel == ch {
			out = append(out, seg)
		}
	}
	return out
}

// Outcome is the terminal write of a session.
type Outcome struct {
	State        SessionState
	Artifacts    map[timeline.Channel]string
	CaptionsPath string
	Failure      *Failure
	RecordingID  RecordingID
}

// resolveDuration applies the master duration rules of a claim given the
// largest segment end recorded for the session.
func resolveDuration(c Claim, maxSegmentEnd int64) (int64, error) {
	switch {
	case c.DurationMs > 0:
		return c.DurationMs, nil
	case maxSegmentEnd > 0:
		return maxSegmentEnd, nil
	case c.FallbackMs > 0:
		return c.FallbackMs, nil
	}
	return 0, ErrIndeterminateDuration
}
