package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the transcoder instance.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	encodesTotal    prometheus.Counter
	segmentsServed  prometheus.Counter
	activeSessions  prometheus.Gauge
	activeEncodes   prometheus.Gauge
	probeFailures   prometheus.Counter
	delegatedPlists prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_errors_total",
			Help: "Total number of HTTP responses with a 4xx or 5xx status",
		}),
		encodesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_encodes_total",
			Help: "Total number of encoder subprocesses spawned",
		}),
		segmentsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_segments_served_total",
			Help: "Total number of VOD segments served from the store",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcoder_active_sessions",
			Help: "Number of known playback sessions",
		}),
		activeEncodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcoder_active_encodes",
			Help: "Number of encoder subprocesses currently running",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_probe_failures_total",
			Help: "Total number of probes degraded to the live fallback",
		}),
		delegatedPlists: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_delegated_playlists_total",
			Help: "Total number of playlists pointing at the remote transcoder",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.encodesTotal,
		m.segmentsServed,
		m.activeSessions,
		m.activeEncodes,
		m.probeFailures,
		m.delegatedPlists,
	)

	return m
}

func (m *Metrics) IncRequests()            { m.requestsTotal.Inc() }
func (m *Metrics) IncErrors()              { m.errorsTotal.Inc() }
func (m *Metrics) IncEncodes()             { m.encodesTotal.Inc() }
func (m *Metrics) IncSegmentsServed()      { m.segmentsServed.Inc() }
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }
func (m *Metrics) EncodeStarted()          { m.activeEncodes.Inc() }
func (m *Metrics) EncodeFinished()         { m.activeEncodes.Dec() }
func (m *Metrics) IncProbeFailures()       { m.probeFailures.Inc() }
func (m *Metrics) IncDelegatedPlaylists()  { m.delegatedPlists.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestMiddleware records request and error counts for every handled
// request.
func (m *Metrics) RequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)

		m.IncRequests()
		if wrap.status >= 400 {
			m.IncErrors()
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
