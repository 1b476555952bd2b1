// Package metrics is the cross-cutting Prometheus instrumentation
// shared by the HTTP surface, the sandbox executor and the sync
// scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector this process exposes.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orbit",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orbit",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	sandboxExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Total number of sandboxed query/widget executions.",
	}, []string{"status"})

	sandboxDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orbit",
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Duration of sandboxed executions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"status"})

	syncSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "sync",
		Name:      "steps_total",
		Help:      "Total number of per-plugin sync steps run.",
	}, []string{"plugin_id", "success"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orbit",
		Subsystem: "sync",
		Name:      "step_duration_seconds",
		Help:      "Duration of a single plugin sync step.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"plugin_id"})

	broadcastDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total number of change events dropped because a subscriber's queue was full.",
	}, []string{"tag"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sandboxExecutions,
		sandboxDuration,
		syncSteps,
		syncDuration,
		broadcastDrops,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request count/duration/in-flight
// tracking. /metrics itself is excluded to avoid self-counting noise.
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

// RecordSandboxExecution records one sandbox run outcome.
func RecordSandboxExecution(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sandboxExecutions.WithLabelValues(status).Inc()
	sandboxDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSyncStep records one scheduler syncOne call.
func RecordSyncStep(pluginID string, duration time.Duration, success bool) {
	if pluginID == "" {
		pluginID = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	syncSteps.WithLabelValues(pluginID, strconv.FormatBool(success)).Inc()
	syncDuration.WithLabelValues(pluginID).Observe(duration.Seconds())
}

// RecordBroadcastDrop records one dropped change event for a full
// subscriber queue.
func RecordBroadcastDrop(tag string) {
	broadcastDrops.WithLabelValues(tag).Inc()
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

// canonicalPath collapses path segments that look like ids so the
// requests_total/request_duration_seconds label cardinality stays
// bounded regardless of how many users/tasks/objectives exist.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if i == 0 {
			continue
		}
		if looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeID(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F' || r == '-') {
			return false
		}
	}
	return true
}
