package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"recording-synth/internal/timeline"
)

const (
	// DefaultMaxUploadBytes caps one multipart request.
	DefaultMaxUploadBytes = 512 << 20
	// multipartMemory is how much of a multipart body is held in memory
	// before spilling to temporary files.
	multipartMemory = 32 << 20
)

// Handler exposes session and recording HTTP endpoints using go-chi.
type Handler struct {
	svc       *Service
	log       *slog.Logger
	maxUpload int64
}

// NewHandler returns a Handler that uses the given Service and Logger.
// maxUpload <= 0 selects DefaultMaxUploadBytes.
func NewHandler(svc *Service, log *slog.Logger, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, log: log, maxUpload: maxUpload}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.OpenSession)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/segments", h.UploadSegment)
			r.Post("/tracks/{channel}", h.UploadTrack)
			r.Post("/complete", h.CompleteSession)
			r.Get("/playback", h.SessionPlayback)
		})
	})
	r.Route("/recordings", func(r chi.Router) {
		r.Get("/", h.ListRecordings)
		r.Post("/", h.UploadRecording)
		r.Delete("/", h.DeleteAllRecordings)
		r.Route("/{recording_id}", func(r chi.Router) {
			r.Get("/", h.GetRecording)
			r.Delete("/", h.DeleteRecording)
			r.Get("/state-changes", h.GetStateChanges)
			r.Get("/media/{channel}", h.GetMedia)
			r.Get("/captions", h.GetCaptions)
			r.Get("/subtitled", h.GetSubtitled)
			r.Get("/download", h.Download)
		})
	})
}

type sessionView struct {
	SessionID   string             `json:"session_id"`
	State       SessionState       `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
	Tracks      []timeline.Channel `json:"tracks,omitempty"`
	Artifacts   []timeline.Channel `json:"artifacts,omitempty"`
	HasCaptions bool               `json:"has_captions"`
	Failure     *Failure           `json:"failure,omitempty"`
	RecordingID string             `json:"recording_id,omitempty"`
}

func newSessionView(s Session) sessionView {
	return sessionView{
		SessionID:   string(s.ID),
		State:       s.State,
		CreatedAt:   s.CreatedAt,
		DurationMs:  s.DurationMs,
		Tracks:      channelsOf(s.Tracks),
		Artifacts:   channelsOf(s.Artifacts),
		HasCaptions: s.CaptionsPath != "",
		Failure:     s.Failure,
		RecordingID: string(s.RecordingID),
	}
}

func channelsOf(m map[timeline.Channel]string) []timeline.Channel {
	out := make([]timeline.Channel, 0, len(m))
	for ch := range m {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OpenSession handles POST /sessions.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.OpenSession(r.Context())
	if err != nil {
		h.writeError(w, "open session failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(sess))
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), SessionID(chi.URLParam(r, "session_id")))
	if err != nil {
		h.writeError(w, "get session failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

// UploadSegment handles POST /sessions/{session_id}/segments.
// Multipart fields: channel, start_ms, end_ms, file.
func (h *Handler) UploadSegment(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if !h.parseMultipart(w, r) {
		return
	}

	ch, err := timeline.ParseChannel(formValue(r, "channel", "segment_type"))
	if err != nil {
		h.writeError(w, "segment rejected", err)
		return
	}
	start, errStart := parseMs(formValue(r, "start_ms", "start_time"))
	end, errEnd := parseMs(formValue(r, "end_ms", "end_time"))
	if errStart != nil || errEnd != nil {
		h.writeError(w, "segment rejected", ErrInvalidInterval)
		return
	}
	file, ok := h.formFile(w, r, "file")
	if !ok {
		return
	}
	defer file.Close()

	seg, err := h.svc.UploadSegment(r.Context(), id, ch, start, end, file)
	if err != nil {
		h.log.Info("segment rejected",
			slog.String("session_id", string(id)),
			slog.String("channel", string(ch)),
			slog.String("error", err.Error()))
		h.writeError(w, "upload segment failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"channel":    seg.Channel,
		"start_ms":   seg.StartMs,
		"end_ms":     seg.EndMs,
	})
}

// UploadTrack handles POST /sessions/{session_id}/tracks/{channel}.
// Multipart field: file.
func (h *Handler) UploadTrack(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	ch, err := timeline.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		h.writeError(w, "track rejected", err)
		return
	}
	if !h.parseMultipart(w, r) {
		return
	}
	file, ok := h.formFile(w, r, "file")
	if !ok {
		return
	}
	defer file.Close()

	if _, err := h.svc.UploadTrack(r.Context(), id, ch, file); err != nil {
		h.writeError(w, "upload track failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id, "channel": ch})
}

// stateChangeBody is a state change as browsers send it: the timestamp is a
// JavaScript number and may carry fractional milliseconds.
type stateChangeBody struct {
	Timestamp float64 `json:"timestamp"`
	IsEnabled bool    `json:"isEnabled"`
}

// stateLog rounds a decoded log onto the millisecond timeline. A nil log stays nil.
func stateLog(in []stateChangeBody) []timeline.StateChange {
	if in == nil {
		return nil
	}
	out := make([]timeline.StateChange, len(in))
	for i, c := range in {
		out[i] = timeline.StateChange{TimestampMs: roundMs(c.Timestamp), Enabled: c.IsEnabled}
	}
	return out
}

func roundMs(v float64) int64 { return int64(math.Round(v)) }

// parseMs parses a form value in milliseconds, fraction allowed.
func parseMs(v string) (int64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", v)
	}
	return roundMs(f), nil
}

// completeBody accepts both the channel map and the per-channel field names
// used by browser clients.
type completeBody struct {
	DurationMs         float64                      `json:"duration_ms"`
	TotalDuration      float64                      `json:"total_duration"`
	StateChanges       map[string][]stateChangeBody `json:"state_changes"`
	AudioStateChanges  []stateChangeBody            `json:"audio_state_changes"`
	CameraStateChanges []stateChangeBody            `json:"camera_state_changes"`
}

func (b completeBody) request() (CompleteRequest, error) {
	req := CompleteRequest{
		DurationMs:   roundMs(b.DurationMs),
		StateChanges: make(map[timeline.Channel][]timeline.StateChange),
	}
	if req.DurationMs <= 0 {
		req.DurationMs = roundMs(b.TotalDuration)
	}
	for name, log := range b.StateChanges {
		ch, err := timeline.ParseChannel(name)
		if err != nil {
			return CompleteRequest{}, err
		}
		req.StateChanges[ch] = stateLog(log)
	}
	if b.AudioStateChanges != nil {
		req.StateChanges[timeline.ChannelAudio] = stateLog(b.AudioStateChanges)
	}
	if b.CameraStateChanges != nil {
		req.StateChanges[timeline.ChannelCamera] = stateLog(b.CameraStateChanges)
	}
	return req, nil
}

// CompleteSession handles POST /sessions/{session_id}/complete[?async=true].
// Body: { "duration_ms": 5000, "state_changes": { "audio": [{"timestamp": 0, "isEnabled": true}] } }.
// An empty body derives the duration from the uploaded segments.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	var body completeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid complete body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	req, err := body.request()
	if err != nil {
		h.writeError(w, "complete rejected", err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		sess, err := h.svc.CompleteSessionAsync(r.Context(), id, req)
		if err != nil {
			h.writeError(w, "complete session failed", err)
			return
		}
		writeJSON(w, http.StatusAccepted, newSessionView(sess))
		return
	}

	sess, err := h.svc.CompleteSession(r.Context(), id, req)
	var se *timeline.SynthesisError
	switch {
	case errors.As(err, &se) && sess.ID != "":
		// The failed session is the answer; its failure names the channel.
		writeJSON(w, http.StatusInternalServerError, newSessionView(sess))
		return
	case err != nil:
		h.writeError(w, "complete session failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotActive),
		errors.Is(err, ErrSessionAlreadyFinalized),
		errors.Is(err, ErrInputShapeConflict),
		errors.Is(err, ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInterval),
		errors.Is(err, ErrScreenRequired),
		errors.Is(err, timeline.ErrUnknownChannel):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrRecordingNotFound),
		errors.Is(err, ErrArtifactMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrIndeterminateDuration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.log.Debug("invalid multipart body", slog.String("error", err.Error()))
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorBody{Error: "invalid multipart body"})
		return false
	}
	return true
}

func (h *Handler) formFile(w http.ResponseWriter, r *http.Request, field string) (multipart.File, bool) {
	file, _, err := r.FormFile(field)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file field " + field})
		return nil, false
	}
	return file, true
}

// formValue returns the first non-empty value among the given field names.
func formValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.FormValue(name)); v != "" {
			return v
		}
	}
	return ""
}
