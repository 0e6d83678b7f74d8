// Package metrics exposes Prometheus metrics for the publish pipeline and
// the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepress_stage_total",
			Help: "Total pipeline stage executions, labeled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagepress_stage_duration_seconds",
			Help:    "Histogram of pipeline stage durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	publishTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepress_publish_tasks_total",
			Help: "Total publish tasks processed, labeled by final status.",
		},
		[]string{"status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepress_active_workers",
			Help: "Number of workers currently processing a publish task.",
		},
	)

	captureRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagepress_capture_rate_limit_delay_seconds",
			Help:    "Histogram of per-domain capture rate limit waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveStage records one pipeline stage execution.
func ObserveStage(stage string, outcome string, duration time.Duration) {
	stageTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObservePublishTask records the final status of a publish task.
func ObservePublishTask(status string) {
	publishTasksTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCaptureRateLimitDelay records the duration of a per-domain capture
// rate limit wait.
func ObserveCaptureRateLimitDelay(domain string, duration time.Duration) {
	captureRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
