// Package metrics exposes Prometheus counters and gauges for the ACP
// runtime plane, grounded on the teacher's internal/metrics/metrics.go
// (promauto-registered vars, an HTTP middleware, a promhttp.Handler), with
// the metric set swapped from container/HTTP-request concerns to frame,
// permission-cache, spawn, and session-lifecycle concerns.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesProcessed counts JSON-RPC frames read or written per
	// transport and direction.
	FramesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_frames_processed_total",
			Help: "Total number of JSON-RPC frames processed",
		},
		[]string{"transport", "direction"},
	)

	// PermissionRequests counts permission resolutions by outcome
	// ("cache_hit", or the resolved option's kind: "allow_once",
	// "allow_always", "reject_once", "reject_always", "unknown").
	PermissionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_permission_requests_total",
			Help: "Total number of permission resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// SpawnsTotal counts spawn() calls by status: "running" when a child
	// starts, then "completed" or "failed" when it finishes, or "error" when
	// the child session cannot be created.
	SpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_spawns_total",
			Help: "Total number of spawn() delegations by status",
		},
		[]string{"status"},
	)

	// ActiveSessions tracks currently active sessions by lifecycle state.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acp_active_sessions",
			Help: "Number of active sessions by lifecycle state",
		},
		[]string{"state"},
	)

	// SessionDuration tracks session lifetime from creation to close.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acp_session_duration_seconds",
			Help:    "Session duration in seconds, from create to close",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// EventBufferDrops counts events dropped from a session's ring
	// buffer due to overflow.
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_event_buffer_drops_total",
			Help: "Total number of events dropped due to ring buffer overflow",
		},
		[]string{"session_id"},
	)

	// RequestsTotal counts HTTP transport requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_http_requests_total",
			Help: "Total number of HTTP requests to the transport surface",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP transport request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency for the HTTP transport.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses high-cardinality ACP paths to avoid label
// explosion; unknown paths collapse to "other".
func normalizePath(path string) string {
	switch path {
	case "/acp/rpc", "/acp/events", "/health", "/amplifier/health", "/metrics", "/v1/modules":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFrame records one frame processed by a transport.
func RecordFrame(transport, direction string) {
	FramesProcessed.WithLabelValues(transport, direction).Inc()
}

// RecordPermissionOutcome records a permission resolution's outcome.
func RecordPermissionOutcome(outcome string) {
	PermissionRequests.WithLabelValues(outcome).Inc()
}

// RecordSpawn records one spawn status transition.
func RecordSpawn(status string) {
	SpawnsTotal.WithLabelValues(status).Inc()
}

// RecordSessionCreated increments the active-session gauge for state.
func RecordSessionCreated(state string) {
	ActiveSessions.WithLabelValues(state).Inc()
}

// RecordSessionTransition moves a session from one lifecycle state gauge
// to another.
func RecordSessionTransition(from, to string) {
	ActiveSessions.WithLabelValues(from).Dec()
	ActiveSessions.WithLabelValues(to).Inc()
}

// RecordSessionClosed decrements the active-session gauge and observes the
// session's total lifetime.
func RecordSessionClosed(state, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(state).Dec()
	SessionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordEventDrop records an event buffer drop for a session.
func RecordEventDrop(sessionID string) {
	EventBufferDrops.WithLabelValues(sessionID).Inc()
}
