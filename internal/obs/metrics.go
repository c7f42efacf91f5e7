package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Credential lifecycle metrics. Labels stay low-cardinality: operation name
// and coarse result only, never user or family identifiers.
var (
	credentialOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_operations_total",
			Help: "Credential lifecycle operations by result.",
		},
		[]string{"op", "result"},
	)

	securityBreachesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credential_security_breaches_total",
		Help: "Refresh token reuse detections.",
	})

	sweepPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credential_sweep_pruned_families_total",
		Help: "Dangling session index entries removed by the sweeper.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		credentialOpsTotal, securityBreachesTotal, sweepPrunedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCredentialOp counts one credential operation outcome.
func ObserveCredentialOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	credentialOpsTotal.WithLabelValues(op, result).Inc()
}

// ObserveSecurityBreach counts one refresh-token reuse detection.
func ObserveSecurityBreach() {
	securityBreachesTotal.Inc()
}

// ObserveSweepPruned counts index entries removed by a sweep pass.
func ObserveSweepPruned(n int) {
	if n > 0 {
		sweepPrunedTotal.Add(float64(n))
	}
}

// CanonicalPath collapses identifier path segments (session families, admin
// user ids) so that metric labels stay bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	const sessionsPrefix = "/v1/auth/sessions/"
	if strings.HasPrefix(path, sessionsPrefix) {
		rest := path[len(sessionsPrefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			return sessionsPrefix + ":family"
		}
	}
	const adminUsersPrefix = "/v1/admin/users/"
	if strings.HasPrefix(path, adminUsersPrefix) {
		rest := path[len(adminUsersPrefix):]
		if i := strings.IndexByte(rest, '/'); i > 0 {
			return adminUsersPrefix + ":id" + rest[i:]
		}
		if rest != "" {
			return adminUsersPrefix + ":id"
		}
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
