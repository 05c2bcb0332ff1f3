package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger metrics
var (
	guardAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sarraf_guard_attempts_total",
			Help: "Guarded unit attempts by outcome.",
		},
		[]string{"outcome"},
	)

	guardRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sarraf_guard_retries_total",
			Help: "Guarded unit retries by cause.",
		},
		[]string{"reason"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sarraf_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sarraf_state_transitions_total",
			Help: "Committed state transitions of transactions and trades.",
		},
		[]string{"entity", "kind", "to"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			guardAttempts, guardRetries, stateTransitions, ready,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GuardAttempt counts one guarded attempt; outcome is committed, retried or failed.
func GuardAttempt(outcome string) {
	guardAttempts.WithLabelValues(outcome).Inc()
}

// GuardRetry counts one retry caused by reason (version or transient).
func GuardRetry(reason string) {
	guardRetries.WithLabelValues(reason).Inc()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Transition counts a committed state change.
func Transition(entity, kind, to string) {
	stateTransitions.WithLabelValues(entity, kind, to).Inc()
}

// Instrument records in-flight, count and latency of every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses entity codes so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && (parts[1] == "transactions" || parts[1] == "trades" || parts[1] == "wallets") {
		if len(parts) == 3 || (len(parts) == 4 && isAction(parts[3])) {
			parts[2] = ":code"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isAction(s string) bool {
	switch s {
	case "review", "payments", "complete", "rollback", "notes", "pay", "commit", "pendings":
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
