package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"recording-synth/internal/timeline"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/bad", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusConflict) })

	for _, path := range []string{"/ok", "/bad", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := scrape(t, m.Handler(nil))
	if !strings.Contains(out, "recsynth_requests_total 3") {
		t.Errorf("requests counter missing:\n%s", out)
	}
	if !strings.Contains(out, "recsynth_errors_total 2") {
		t.Errorf("errors counter missing:\n%s", out)
	}
	for _, want := range []string{
		`recsynth_request_duration_seconds_count{method="GET",route="/ok",status="2xx"} 1`,
		`recsynth_request_duration_seconds_count{method="GET",route="/bad",status="4xx"} 1`,
		`recsynth_request_duration_seconds_count{method="GET",route="unmatched",status="4xx"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestDomainCollectors(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SegmentUploaded(timeline.ChannelAudio)
	m.SessionFinished("completed")
	m.RecordingDeduplicated()
	m.ChannelSynthesized(timeline.ChannelScreen, time.Second, nil)
	m.ChannelSynthesized(timeline.ChannelAudio, time.Second, errors.New("x"))
	m.FillerHit(timeline.FillerSilentAudio)
	m.FillerGenerated(timeline.FillerBlankVideo)

	out := scrape(t, m.Handler(func() { m.SetActiveSessions(4) }))
	for _, want := range []string{
		"recsynth_sessions_opened_total 1",
		`recsynth_segments_uploaded_total{channel="audio"} 1`,
		`recsynth_sessions_finished_total{state="completed"} 1`,
		"recsynth_recordings_deduplicated_total 1",
		`recsynth_synthesis_duration_seconds_count{channel="audio",outcome="error"} 1`,
		`recsynth_filler_cache_hits_total{kind="silent-audio"} 1`,
		`recsynth_filler_generated_total{kind="blank-video"} 1`,
		"recsynth_active_sessions 4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}
