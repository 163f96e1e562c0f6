package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "handshaker"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Requests received from the host node by operation and result.",
		},
		[]string{"operation", "result"},
	)
	bridgeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Events sent to the host node by tag.",
		},
		[]string{"tag"},
	)
	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "decode_errors_total",
			Help:      "Inbound frames rejected by the term decoder.",
		},
	)
	engineRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall time spent inside the DTLS engine per start_server call.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 3600},
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, bridgeRequests, bridgeEvents, decodeErrors, engineRuns)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRequest counts one dispatched request. Result is "ok", "error" or
// "unknown".
func RecordRequest(operation, result string) {
	RegisterMetrics()
	bridgeRequests.WithLabelValues(operation, result).Inc()
}

func RecordEvent(tag string) {
	RegisterMetrics()
	bridgeEvents.WithLabelValues(tag).Inc()
}

func RecordDecodeError() {
	RegisterMetrics()
	decodeErrors.Inc()
}

func RecordEngineRun(duration time.Duration, success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	engineRuns.WithLabelValues(result).Observe(duration.Seconds())
}
