package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "auditd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auditd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auditd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	auditSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auditd",
			Subsystem: "audit",
			Name:      "submissions_total",
			Help:      "Total number of audit submissions.",
		},
		[]string{"service", "status"},
	)

	auditFlowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auditd",
			Subsystem: "audit",
			Name:      "flow_duration_seconds",
			Help:      "Time from submission to a terminal flow state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"service", "state"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auditd",
			Subsystem: "audit",
			Name:      "rate_limit_denials_total",
			Help:      "Total number of submissions denied by the rate limiter.",
		},
		[]string{"service"},
	)

	paymentAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auditd",
			Subsystem: "payment",
			Name:      "attempts_total",
			Help:      "Total number of payment attempts.",
		},
		[]string{"instrument", "status"},
	)

	paymentConfirmation = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auditd",
			Subsystem: "payment",
			Name:      "confirmation_duration_seconds",
			Help:      "Time from broadcast to on-chain confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4m
		},
		[]string{"instrument"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		auditSubmissions,
		auditFlowDuration,
		rateLimitDenials,
		paymentAttempts,
		paymentConfirmation,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSubmission records one audit submission attempt.
func RecordSubmission(service, status string) {
	auditSubmissions.WithLabelValues(service, status).Inc()
}

// RecordFlowOutcome records the duration of a finished audit flow.
func RecordFlowOutcome(service, state string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	auditFlowDuration.WithLabelValues(service, state).Observe(duration.Seconds())
}

// RecordRateLimitDenial counts a submission refused by the limiter.
func RecordRateLimitDenial(service string) {
	rateLimitDenials.WithLabelValues(service).Inc()
}

// RecordPayment records one payment attempt and, when confirmed, the
// time it took to confirm.
func RecordPayment(instrument, status string, confirmation time.Duration) {
	paymentAttempts.WithLabelValues(instrument, status).Inc()
	if confirmation > 0 {
		paymentConfirmation.WithLabelValues(instrument).Observe(confirmation.Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "audits" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/audits"
	}
	return "/audits/:id"
}
