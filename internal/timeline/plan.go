package timeline

import (
	"sort"
)

// BuildFillerPlan covers the whole duration with a single filler piece. It is
// the plan of a channel that has no captured data at all.
func BuildFillerPlan(channel Channel, durationMs int64) (Plan, error) {
	if durationMs <= 0 {
		return Plan{}, ErrNonPositiveDuration
	}
	b := newPlanBuilder(channel, durationMs)
	b.filler(0, durationMs)
	return b.plan(), nil
}

// BuildSegmentPlan arranges explicitly timed segments on [0, durationMs).
//
// Segments are ordered by start. Gaps before the first segment, between
// segments and after the last one become filler. An overlapping segment has
// its effective start moved to the end of the previous one; the skipped head
// is trimmed from its source. Segments with end <= start are dropped, as are
// segments left empty after truncation or clamping to durationMs.
func BuildSegmentPlan(channel Channel, segments []Segment, durationMs int64) (Plan, error) {
	if durationMs <= 0 {
		return Plan{}, ErrNonPositiveDuration
	}

	segs := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.EndMs > seg.StartMs {
			segs = append(segs, seg)
		}
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].StartMs != segs[j].StartMs {
			return segs[i].StartMs < segs[j].StartMs
		}
		return segs[i].EndMs < segs[j].EndMs
	})

	b := newPlanBuilder(channel, durationMs)
	var cursor int64
	for _, seg := range segs {
		start, end := seg.StartMs, seg.EndMs
		if start < cursor {
			start = cursor
		}
		if end > durationMs {
			end = durationMs
		}
		if end <= start {
			continue
		}
		if start > cursor {
			b.filler(cursor, start)
		}
		partial := start != seg.StartMs || end != seg.EndMs
		b.real(seg.Path, start, start-seg.StartMs, end-start, partial)
		cursor = end
	}
	if cursor < durationMs {
		b.filler(cursor, durationMs)
	}
	return b.plan(), nil
}

// BuildTrackPlan slices one continuous track according to its state-change log.
//
// trackMs is the probed length of the track. Enabled intervals take the
// matching range of the track, clamped to trackMs, and pad any shortfall with
// filler. Disabled intervals are filler. An empty log applies emptyLogEnabled
// to the whole range. A missing track yields an all-filler plan.
func BuildTrackPlan(channel Channel, track string, trackMs int64, changes []StateChange, durationMs int64, emptyLogEnabled bool) (Plan, error) {
	if durationMs <= 0 {
		return Plan{}, ErrNonPositiveDuration
	}
	if track == "" || trackMs <= 0 {
		return BuildFillerPlan(channel, durationMs)
	}

	b := newPlanBuilder(channel, durationMs)
	for _, iv := range stateIntervals(changes, durationMs, emptyLogEnabled) {
		if !iv.enabled {
			b.filler(iv.start, iv.end)
			continue
		}
		realEnd := min(iv.end, trackMs)
		if iv.start < realEnd {
			b.real(track, iv.start, iv.start, realEnd-iv.start, true)
		}
		if padFrom := max(iv.start, realEnd); padFrom < iv.end {
			b.filler(padFrom, iv.end)
		}
	}

	p := b.plan()
	for i := range p.Pieces {
		pc := &p.Pieces[i]
		if pc.Kind == PieceReal {
			pc.Partial = pc.OffsetMs != 0 || pc.DurationMs != trackMs
		}
	}
	return p, nil
}

type stateInterval struct {
	start, end int64
	enabled    bool
}

// stateIntervals walks a state-change log. Each event opens an interval that
// runs until the next event, the last one until durationMs. When the first
// event is after 0 the leading range inherits its state.
func stateIntervals(changes []StateChange, durationMs int64, emptyLogEnabled bool) []stateInterval {
	if len(changes) == 0 {
		return []stateInterval{{start: 0, end: durationMs, enabled: emptyLogEnabled}}
	}

	sorted := append([]StateChange(nil), changes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })

	raw := make([]stateInterval, 0, len(sorted)+1)
	if first := sorted[0]; first.TimestampMs > 0 {
		raw = append(raw, stateInterval{start: 0, end: first.TimestampMs, enabled: first.Enabled})
	}
	for i, c := range sorted {
		end := durationMs
		if i+1 < len(sorted) {
			end = sorted[i+1].TimestampMs
		}
		raw = append(raw, stateInterval{start: c.TimestampMs, end: end, enabled: c.Enabled})
	}

	out := raw[:0]
	for _, iv := range raw {
		iv.start = max(iv.start, 0)
		iv.end = min(iv.end, durationMs)
		if iv.end > iv.start {
			out = append(out, iv)
		}
	}
	return out
}

// planBuilder appends contiguous pieces, merging neighbouring fillers and
// neighbouring slices of the same source.
type planBuilder struct {
	channel    Channel
	durationMs int64
	pieces     []Piece
}

func newPlanBuilder(channel Channel, durationMs int64) *planBuilder {
	return &planBuilder{channel: channel, durationMs: durationMs}
}

func (b *planBuilder) filler(start, end int64) {
	if end <= start {
		return
	}
	kind := b.channel.FillerKind()
	if n := len(b.pieces); n > 0 && b.pieces[n-1].Kind == PieceFiller {
		last := &b.pieces[n-1]
		last.DurationMs += end - start
		last.Filler = NewFillerSpec(kind, last.DurationMs)
		return
	}
	b.pieces = append(b.pieces, Piece{
		Kind:       PieceFiller,
		PositionMs: start,
		DurationMs: end - start,
		Filler:     NewFillerSpec(kind, end-start),
	})
}

func (b *planBuilder) real(source string, position, offset, duration int64, partial bool) {
	if n := len(b.pieces); n > 0 {
		last := &b.pieces[n-1]
		if last.Kind == PieceReal && last.Source == source && last.OffsetMs+last.DurationMs == offset {
			last.DurationMs += duration
			last.Partial = last.Partial || partial
			return
		}
	}
	b.pieces = append(b.pieces, Piece{
		Kind:       PieceReal,
		PositionMs: position,
		DurationMs: duration,
		Source:     source,
		OffsetMs:   offset,
		Partial:    partial,
	})
}

func (b *planBuilder) plan() Plan {
	return Plan{Channel: b.channel, DurationMs: b.durationMs, Pieces: b.pieces}
}
