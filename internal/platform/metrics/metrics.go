package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recording-synth/internal/timeline"
)

// Metrics holds Prometheus collectors for the recording service.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	requestSeconds    *prometheus.HistogramVec
	sessionsOpened    prometheus.Counter
	segmentsUploaded  *prometheus.CounterVec
	sessionsFinished  *prometheus.CounterVec
	recordingsDeduped prometheus.Counter
	fillerHits        *prometheus.CounterVec
	fillerGenerated   *prometheus.CounterVec
	synthesisSeconds  *prometheus.HistogramVec
	activeSessions    prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recsynth_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recsynth_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recsynth_request_duration_seconds",
			Help:    "HTTP request latency by method, route pattern and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recsynth_sessions_opened_total",
			Help: "Total number of recording sessions opened",
		}),
		segmentsUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recsynth_segments_uploaded_total",
			Help: "Segments and whole tracks accepted, by channel",
		}, []string{"channel"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recsynth_sessions_finished_total",
			Help: "Sessions that reached a terminal state, by state",
		}, []string{"state"}),
		recordingsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recsynth_recordings_deduplicated_total",
			Help: "Uploads answered with an already finalized recording",
		}),
		fillerHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recsynth_filler_cache_hits_total",
			Help: "Filler lookups served without generation, by kind",
		}, []string{"kind"}),
		fillerGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recsynth_filler_generated_total",
			Help: "Filler clips generated, by kind",
		}, []string{"kind"}),
		synthesisSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recsynth_synthesis_duration_seconds",
			Help:    "Wall time of one channel synthesis",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"channel", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recsynth_active_sessions",
			Help: "Number of sessions still accepting uploads",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestSeconds,
		m.sessionsOpened,
		m.segmentsUploaded,
		m.sessionsFinished,
		m.recordingsDeduped,
		m.fillerHits,
		m.fillerGenerated,
		m.synthesisSeconds,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequest records one request's latency. status is reduced to its
// class ("2xx", "4xx", ...).
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	class := strconv.Itoa(status/100) + "xx"
	m.requestSeconds.WithLabelValues(method, route, class).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
}

func (m *Metrics) SegmentUploaded(ch timeline.Channel) {
	m.segmentsUploaded.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) SessionFinished(state string) {
	m.sessionsFinished.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordingDeduplicated() {
	m.recordingsDeduped.Inc()
}

// ChannelSynthesized records how long one channel took.
func (m *Metrics) ChannelSynthesized(ch timeline.Channel, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.synthesisSeconds.WithLabelValues(string(ch), outcome).Observe(elapsed.Seconds())
}

// FillerHit implements filler.Observer.
func (m *Metrics) FillerHit(kind timeline.FillerKind) {
	m.fillerHits.WithLabelValues(string(kind)).Inc()
}

// FillerGenerated implements filler.Observer.
func (m *Metrics) FillerGenerated(kind timeline.FillerKind) {
	m.fillerGenerated.WithLabelValues(string(kind)).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
