package recording

import (
	"context"
	"maps"
	"sort"
	"sync"

	"recording-synth/internal/timeline"
)

// Repository defines the concurrency-safe contract for session and recording
// state. Every method is atomic with respect to every other.
type Repository interface {
	// CreateSession stores a new active session.
	CreateSession(ctx context.Context, s Session) error

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id SessionID) (Session, error)

	// ListSegments returns the session's segments ordered by channel, start,
	// then arrival.
	ListSegments(ctx context.Context, id SessionID) ([]timeline.Segment, error)

	// AddSegment records a segment. It fails with ErrSessionNotActive unless
	// the session exists and is active, and with ErrInputShapeConflict when
	// the channel already has a whole track.
	AddSegment(ctx context.Context, id SessionID, seg timeline.Segment) error

	// SetTrack records (or replaces) a channel's whole track. It fails like
	// AddSegment, with ErrInputShapeConflict when the channel has segments.
	SetTrack(ctx context.Context, id SessionID, ch timeline.Channel, path string) error

	// ClaimCompletion moves an active session to finalizing, records its state
	// logs and resolved master duration, and returns a snapshot for synthesis.
	// Exactly one concurrent caller wins; the others get
	// ErrSessionAlreadyFinalized. ErrIndeterminateDuration leaves the session
	// active.
	ClaimCompletion(ctx context.Context, id SessionID, c Claim) (Snapshot, error)

	// FinishSession writes a finalizing session's outcome and, when rec is not
	// nil, inserts the recording in the same atomic step. A recording id that
	// already exists fails the whole write with ErrAlreadyFinalized.
	FinishSession(ctx context.Context, id SessionID, out Outcome, rec *Recording) error

	// CountSessions returns the number of sessions in state.
	CountSessions(ctx context.Context, state SessionState) (int, error)

	// AbandonSession removes an active session with its segments and tracks.
	// Sessions in any other state fail with ErrSessionNotActive.
	AbandonSession(ctx context.Context, id SessionID) error

	// GetRecording returns the recording or ErrRecordingNotFound.
	GetRecording(ctx context.Context, id RecordingID) (Recording, error)

	// ListRecordings returns every recording, newest first.
	ListRecordings(ctx context.Context) ([]Recording, error)

	// SetSubtitled records the captioned rendition of a recording.
	SetSubtitled(ctx context.Context, id RecordingID, path string) error

	// DeleteRecording removes the recording with its session and segments and
	// returns what was removed.
	DeleteRecording(ctx context.Context, id RecordingID) (Recording, error)
}

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
type InMemoryRepository struct {
	mu         sync.RWMutex
	sessions   map[SessionID]*Session
	segments   map[SessionID][]timeline.Segment
	recordings map[RecordingID]*Recording
}

// NewInMemoryRepository returns an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions:   make(map[SessionID]*Session),
		segments:   make(map[SessionID][]timeline.Segment),
		recordings: make(map[RecordingID]*Recording),
	}
}

// CreateSession implements Repository.CreateSession.
func (r *InMemoryRepository) CreateSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := s.clone()
	r.sessions[s.ID] = &c
	return nil
}

// GetSession implements Repository.GetSession.
func (r *InMemoryRepository) GetSession(_ context.Context, id SessionID) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// ListSegments implements Repository.ListSegments.
func (r *InMemoryRepository) ListSegments(_ context.Context, id SessionID) ([]timeline.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	return r.sortedSegmentsLocked(id), nil
}

// AddSegment implements Repository.AddSegment.
func (r *InMemoryRepository) AddSegment(_ context.Context, id SessionID, seg timeline.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	if _, ok := s.Tracks[seg.Channel]; ok {
		return ErrInputShapeConflict
	}
	r.segments[id] = append(r.segments[id], seg)
	return nil
}

// SetTrack implements Repository.SetTrack.
func (r *InMemoryRepository) SetTrack(_ context.Context, id SessionID, ch timeline.Channel, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	for _, seg := range r.segments[id] {
		if seg.Channel == ch {
			return ErrInputShapeConflict
		}
	}
	if s.Tracks == nil {
		s.Tracks = make(map[timeline.Channel]string)
	}
	s.Tracks[ch] = path
	return nil
}

// ClaimCompletion implements Repository.ClaimCompletion.
func (r *InMemoryRepository) ClaimCompletion(_ context.Context, id SessionID, c Claim) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if s.State != StateActive {
		return Snapshot{}, ErrSessionAlreadyFinalized
	}

	var maxEnd int64
	for _, seg := range r.segments[id] {
		maxEnd = max(maxEnd, seg.EndMs)
	}
	d, err := resolveDuration(c, maxEnd)
	if err != nil {
		return Snapshot{}, err
	}

	s.State = StateFinalizing
	s.DurationMs = d
	s.StateLogs = make(map[timeline.Channel][]timeline.StateChange, len(c.StateLogs))
	for ch, log := range c.StateLogs {
		s.StateLogs[ch] = append([]timeline.StateChange(nil), log...)
	}
	return Snapshot{Session: s.clone(), Segments: r.sortedSegmentsLocked(id)}, nil
}

// FinishSession implements Repository.FinishSession.
func (r *InMemoryRepository) FinishSession(_ context.Context, id SessionID, out Outcome, rec *Recording) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != StateFinalizing {
		return ErrSessionAlreadyFinalized
	}
	if rec != nil {
		if _, exists := r.recordings[rec.ID]; exists {
			return ErrAlreadyFinalized
		}
		c := rec.clone()
		r.recordings[rec.ID] = &c
	}

	s.State = out.State
	s.Artifacts = maps.Clone(out.Artifacts)
	s.CaptionsPath = out.CaptionsPath
	s.RecordingID = out.RecordingID
	s.Failure = nil
	if out.Failure != nil {
		f := *out.Failure
		s.Failure = &f
	}
	return nil
}

// CountSessions implements Repository.CountSessions.
func (r *InMemoryRepository) CountSessions(_ context.Context, state SessionState) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.State == state {
			n++
		}
	}
	return n, nil
}

// AbandonSession implements Repository.AbandonSession.
func (r *InMemoryRepository) AbandonSession(_ context.Context, id SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.activeLocked(id); err != nil {
		return err
	}
	delete(r.sessions, id)
	delete(r.segments, id)
	return nil
}

// ListRecordings implements Repository.ListRecordings.
func (r *InMemoryRepository) ListRecordings(_ context.Context) ([]Recording, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Recording, 0, len(r.recordings))
	for _, rec := range r.recordings {
		out = append(out, rec.clone())
	}
	sortRecordings(out)
	return out, nil
}

// GetRecording implements Repository.GetRecording.
func (r *InMemoryRepository) GetRecording(_ context.Context, id RecordingID) (Recording, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.recordings[id]
	if !ok {
		return Recording{}, ErrRecordingNotFound
	}
	return rec.clone(), nil
}

// SetSubtitled implements Repository.SetSubtitled.
func (r *InMemoryRepository) SetSubtitled(_ context.Context, id RecordingID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recordings[id]
	if !ok {
		return ErrRecordingNotFound
	}
	rec.SubtitledPath = path
	return nil
}

// DeleteRecording implements Repository.DeleteRecording.
func (r *InMemoryRepository) DeleteRecording(_ context.Context, id RecordingID) (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recordings[id]
	if !ok {
		return Recording{}, ErrRecordingNotFound
	}
	delete(r.recordings, id)
	delete(r.sessions, rec.SessionID)
	delete(r.segments, rec.SessionID)
	return rec.clone(), nil
}

// activeLocked returns the session if it accepts uploads.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) activeLocked(id SessionID) (*Session, error) {
	s, ok := r.sessions[id]
	if !ok || s.State != StateActive {
		return nil, ErrSessionNotActive
	}
	return s, nil
}

// sortedSegmentsLocked returns a sorted copy of the session's segments.
// Caller must hold r.mu.
func (r *InMemoryRepository) sortedSegmentsLocked(id SessionID) []timeline.Segment {
	segs := append([]timeline.Segment(nil), r.segments[id]...)
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].Channel != segs[j].Channel {
			return segs[i].Channel < segs[j].Channel
		}
		return segs[i].StartMs < segs[j].StartMs
	})
	return segs
}

// sortRecordings orders recordings newest first, ties broken by id.
func sortRecordings(recs []Recording) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
