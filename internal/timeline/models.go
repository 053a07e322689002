package timeline

import (
	"fmt"
	"strings"
)

// Channel identifies one of the independent media tracks of a session.
type Channel string

const (
	ChannelScreen Channel = "screen"
	ChannelCamera Channel = "camera"
	ChannelAudio  Channel = "audio"
)

// Channels lists every channel in synthesis order.
var Channels = []Channel{ChannelScreen, ChannelCamera, ChannelAudio}

// ParseChannel validates a channel name. "webcam" is accepted as an alias for camera.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "screen":
		return ChannelScreen, nil
	case "camera", "webcam":
		return ChannelCamera, nil
	case "audio":
		return ChannelAudio, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelScreen || c == ChannelCamera || c == ChannelAudio
}

// FillerKind returns the synthetic content used to cover gaps on this channel.
func (c Channel) FillerKind() FillerKind {
	if c == ChannelAudio {
		return FillerSilentAudio
	}
	return FillerBlankVideo
}

// FillerKind is the kind of synthetic clip a filler produces.
type FillerKind string

const (
	FillerSilentAudio FillerKind = "silent-audio"
	FillerBlankVideo  FillerKind = "blank-video"
)

// FillerSpec identifies a synthetic clip. Seconds is the gap length rounded to
// the nearest second.
type FillerSpec struct {
	Kind    FillerKind `json:"kind"`
	Seconds int64      `json:"seconds"`
}

// NewFillerSpec rounds durationMs to the nearest second (half away from zero).
func NewFillerSpec(kind FillerKind, durationMs int64) FillerSpec {
	if durationMs < 0 {
		durationMs = 0
	}
	return FillerSpec{Kind: kind, Seconds: (durationMs + 500) / 1000}
}

// Empty reports whether the spec rounds to nothing and contributes no media.
func (s FillerSpec) Empty() bool { return s.Seconds <= 0 }

func (s FillerSpec) String() string {
	return fmt.Sprintf("%s/%ds", s.Kind, s.Seconds)
}

// Segment is a time-bounded chunk of captured media for one channel.
// Offsets are milliseconds relative to session start.
type Segment struct {
	Channel Channel `json:"channel"`
	StartMs int64   `json:"start_ms"`
	EndMs   int64   `json:"end_ms"`
	Path    string  `json:"path"`
}

// DurationMs returns the nominal length of the segment.
func (s Segment) DurationMs() int64 { return s.EndMs - s.StartMs }

// StateChange records a channel being switched on or off at TimestampMs.
type StateChange struct {
	TimestampMs int64 `json:"timestamp"`
	Enabled     bool  `json:"isEnabled"`
}

// Source is the input shape for one channel. It is either a SegmentSource or a
// TrackSource; a nil Source means the channel has no captured data.
type Source interface {
	sourceKind() string
}

// SegmentSource is a list of explicitly timed segments.
type SegmentSource struct {
	Segments []Segment
}

func (SegmentSource) sourceKind() string { return "segments" }

// TrackSource is a single continuous captured track annotated with state changes.
type TrackSource struct {
	Path    string
	Changes []StateChange
}

func (TrackSource) sourceKind() string { return "track" }

// PieceKind distinguishes captured media from synthetic filler.
type PieceKind string

const (
	PieceReal   PieceKind = "real"
	PieceFiller PieceKind = "filler"
)

// Piece is one contiguous part of a channel's timeline.
type Piece struct {
	Kind       PieceKind `json:"kind"`
	PositionMs int64     `json:"position_ms"`
	DurationMs int64     `json:"duration_ms"`

	// Real pieces.
	Source   string `json:"source,omitempty"`
	OffsetMs int64  `json:"offset_ms,omitempty"`
	// Partial is set when only [OffsetMs, OffsetMs+DurationMs) of Source is used.
	Partial bool `json:"partial,omitempty"`

	// Filler pieces.
	Filler FillerSpec `json:"filler,omitzero"`
}

// EndMs returns the timeline position just past this piece.
func (p Piece) EndMs() int64 { return p.PositionMs + p.DurationMs }

// Plan is the ordered list of pieces covering [0, DurationMs) of one channel.
type Plan struct {
	Channel    Channel `json:"channel"`
	DurationMs int64   `json:"duration_ms"`
	Pieces     []Piece `json:"pieces"`
}

// TotalMs sums the piece durations.
func (p Plan) TotalMs() int64 {
	var total int64
	for _, pc := range p.Pieces {
		total += pc.DurationMs
	}
	return total
}

// FillerCount returns the number of filler pieces.
func (p Plan) FillerCount() int {
	n := 0
	for _, pc := range p.Pieces {
		if pc.Kind == PieceFiller {
			n++
		}
	}
	return n
}

// Validate checks that pieces are contiguous, non-empty and sum to the plan duration.
func (p Plan) Validate() error {
	var pos int64
	for i, pc := range p.Pieces {
		if pc.DurationMs <= 0 {
			return fmt.Errorf("piece %d: non-positive duration %d", i, pc.DurationMs)
		}
		if pc.PositionMs != pos {
			return fmt.Errorf("piece %d: position %d, expected %d", i, pc.PositionMs, pos)
		}
		pos = pc.EndMs()
	}
	if pos != p.DurationMs {
		return fmt.Errorf("plan covers %dms, expected %dms", pos, p.DurationMs)
	}
	return nil
}
