package recording

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"recording-synth/internal/timeline"
)

type recordingView struct {
	ID           string                      `json:"recording_id"`
	SessionID    string                      `json:"session_id"`
	DurationMs   int64                       `json:"duration_ms"`
	CreatedAt    time.Time                   `json:"created_at"`
	Media        map[timeline.Channel]string `json:"media"`
	StateURL     string                      `json:"state_changes_url"`
	CaptionsURL  string                      `json:"captions_url,omitempty"`
	SubtitledURL string                      `json:"subtitled_url,omitempty"`
	DownloadURL  string                      `json:"download_url"`
	HasScreen    bool                        `json:"has_screen"`
	HasCamera    bool                        `json:"has_camera"`
	HasAudio     bool                        `json:"has_audio"`
	HasCaptions  bool                        `json:"has_captions"`
}

func newRecordingView(rec Recording) recordingView {
	base := "/recordings/" + string(rec.ID)
	v := recordingView{
		ID:          string(rec.ID),
		SessionID:   string(rec.SessionID),
		DurationMs:  rec.DurationMs,
		CreatedAt:   rec.CreatedAt,
		Media:       make(map[timeline.Channel]string, len(rec.Artifacts)),
		StateURL:    base + "/state-changes",
		DownloadURL: base + "/download",
		HasCaptions: rec.CaptionsPath != "",
	}
	for ch := range rec.Artifacts {
		v.Media[ch] = base + "/media/" + string(ch)
	}
	_, v.HasScreen = rec.Artifacts[timeline.ChannelScreen]
	_, v.HasCamera = rec.Artifacts[timeline.ChannelCamera]
	_, v.HasAudio = rec.Artifacts[timeline.ChannelAudio]
	if v.HasCaptions {
		v.CaptionsURL = base + "/captions"
		if v.HasScreen {
			v.SubtitledURL = base + "/subtitled"
		}
	}
	return v
}

// playbackView is a recording together with each channel's on/off history.
type playbackView struct {
	recordingView
	StateChanges map[timeline.Channel][]timeline.StateChange `json:"state_changes"`
}

func newPlaybackView(p Playback) playbackView {
	logs := p.StateChanges
	if logs == nil {
		logs = map[timeline.Channel][]timeline.StateChange{}
	}
	return playbackView{recordingView: newRecordingView(p.Recording), StateChanges: logs}
}

// ListRecordings handles GET /recordings.
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListRecordings(r.Context())
	if err != nil {
		h.writeError(w, "list recordings failed", err)
		return
	}
	views := make([]recordingView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newRecordingView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": views})
}

// DeleteAllRecordings handles DELETE /recordings.
func (h *Handler) DeleteAllRecordings(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DeleteAllRecordings(r.Context())
	if err != nil {
		h.writeError(w, "delete recordings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// GetStateChanges handles GET /recordings/{recording_id}/state-changes.
func (h *Handler) GetStateChanges(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.RecordingPlayback(r.Context(), RecordingID(chi.URLParam(r, "recording_id")))
	if err != nil {
		h.writeError(w, "get state changes failed", err)
		return
	}
	v := newPlaybackView(p)
	writeJSON(w, http.StatusOK, map[string]any{
		"recording_id":  v.ID,
		"duration_ms":   v.DurationMs,
		"state_changes": v.StateChanges,
	})
}

// SessionPlayback handles GET /sessions/{session_id}/playback.
func (h *Handler) SessionPlayback(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.SessionPlayback(r.Context(), SessionID(chi.URLParam(r, "session_id")))
	if err != nil {
		h.writeError(w, "session playback failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newPlaybackView(p))
}

// UploadRecording handles POST /recordings.
// Multipart fields: screen_recording (required), webcam_recording, audio,
// total_duration (ms), audio_state_changes and camera_state_changes (JSON
// arrays), recorded_at (RFC 3339 or unix ms).
func (h *Handler) UploadRecording(w http.ResponseWriter, r *http.Request) {
	if !h.parseMultipart(w, r) {
		return
	}

	up, closers, err := h.recordingUpload(r)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if err != nil {
		h.log.Debug("invalid recording upload", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	rec, created, err := h.svc.UploadRecording(r.Context(), up)
	if err != nil {
		h.writeError(w, "upload recording failed", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newRecordingView(rec))
}

func (h *Handler) recordingUpload(r *http.Request) (RecordingUpload, []io.Closer, error) {
	var (
		up      RecordingUpload
		closers []io.Closer
	)
	open := func(field string) io.Reader {
		f, _, err := r.FormFile(field)
		if err != nil {
			return nil
		}
		closers = append(closers, f)
		return f
	}
	if screen := open("screen_recording"); screen != nil {
		up.Screen = screen
	} else {
		return up, closers, ErrScreenRequired
	}
	if camera := open("webcam_recording"); camera != nil {
		up.Camera = camera
	}
	if audio := open("audio"); audio != nil {
		up.Audio = audio
	}

	if v := formValue(r, "total_duration", "duration_ms"); v != "" {
		d, err := parseMs(v)
		if err != nil {
			return up, closers, fmt.Errorf("total_duration: %w", err)
		}
		up.DurationMs = d
	}

	up.StateChanges = make(map[timeline.Channel][]timeline.StateChange)
	for field, ch := range map[string]timeline.Channel{
		"audio_state_changes":  timeline.ChannelAudio,
		"camera_state_changes": timeline.ChannelCamera,
	} {
		v := formValue(r, field)
		if v == "" {
			continue
		}
		var changes []stateChangeBody
		if err := json.Unmarshal([]byte(v), &changes); err != nil {
			return up, closers, fmt.Errorf("%s: %w", field, err)
		}
		up.StateChanges[ch] = stateLog(changes)
	}

	if v := formValue(r, "recorded_at"); v != "" {
		t, err := parseRecordedAt(v)
		if err != nil {
			return up, closers, err
		}
		up.RecordedAt = t
	}
	return up, closers, nil
}

func parseRecordedAt(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("recorded_at: %w", err)
	}
	return t, nil
}

// GetRecording handles GET /recordings/{recording_id}.
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetRecording(r.Context(), RecordingID(chi.URLParam(r, "recording_id")))
	if err != nil {
		h.writeError(w, "get recording failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordingView(rec))
}

// DeleteRecording handles DELETE /recordings/{recording_id}.
func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRecording(r.Context(), RecordingID(chi.URLParam(r, "recording_id"))); err != nil {
		h.writeError(w, "delete recording failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMedia handles GET /recordings/{recording_id}/media/{channel}.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetRecording(r.Context(), RecordingID(chi.URLParam(r, "recording_id")))
	if err != nil {
		h.writeError(w, "get media failed", err)
		return
	}
	ch, err := timeline.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		h.writeError(w, "get media failed", err)
		return
	}
	h.serveFile(w, r, rec.Artifacts[ch], mediaType(ch, rec.Artifacts[ch]))
}

// GetCaptions handles GET /recordings/{recording_id}/captions.
func (h *Handler) GetCaptions(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetRecording(r.Context(), RecordingID(chi.URLParam(r, "recording_id")))
	if err != nil {
		h.writeError(w, "get captions failed", err)
		return
	}
	h.serveFile(w, r, rec.CaptionsPath, "text/vtt; charset=utf-8")
}

// GetSubtitled handles GET /recordings/{recording_id}/subtitled. The video is
// rendered on first request.
func (h *Handler) GetSubtitled(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.SubtitledVideo(r.Context(), RecordingID(chi.URLParam(r, "recording_id")))
	if err != nil {
		h.writeError(w, "subtitled video failed", err)
		return
	}
	h.serveFile(w, r, path, mediaType(timeline.ChannelScreen, path))
}

// Download handles GET /recordings/{recording_id}/download: a zip of every
// artifact and the captions.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := RecordingID(chi.URLParam(r, "recording_id"))
	rec, err := h.svc.GetRecording(r.Context(), id)
	if err != nil {
		h.writeError(w, "download failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="recording_%s.zip"`, id))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, ch := range timeline.Channels {
		path := rec.Artifacts[ch]
		if path == "" {
			continue
		}
		name := fmt.Sprintf("%s_%s%s", id, ch, filepath.Ext(path))
		if err := addZipFile(zw, path, name); err != nil {
			h.log.Warn("download entry skipped",
				slog.String("recording_id", string(id)),
				slog.String("entry", name),
				slog.String("error", err.Error()))
		}
	}
	if rec.CaptionsPath != "" {
		name := fmt.Sprintf("%s_captions.vtt", id)
		if err := addZipFile(zw, rec.CaptionsPath, name); err != nil {
			h.log.Warn("download entry skipped",
				slog.String("recording_id", string(id)),
				slog.String("entry", name),
				slog.String("error", err.Error()))
		}
	}
	if err := zw.Close(); err != nil {
		h.log.Warn("download incomplete", slog.String("recording_id", string(id)), slog.String("error", err.Error()))
	}
}

func addZipFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	if path == "" || !fileExists(path) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrArtifactMissing.Error()})
		return
	}
	f, err := os.Open(path)
	if err != nil {
		h.writeError(w, "open artifact failed", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.writeError(w, "stat artifact failed", err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func mediaType(ch timeline.Channel, path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		ext = "webm"
	}
	if ch == timeline.ChannelAudio {
		return "audio/" + ext
	}
	return "video/" + ext
}
