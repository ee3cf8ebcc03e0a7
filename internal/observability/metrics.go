package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "erlnode"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	distConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "connections_active",
			Help:      "Open distribution connections.",
		},
		[]string{"node"},
	)
	distHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "handshakes_total",
			Help:      "Completed or failed distribution handshakes.",
		},
		[]string{"node", "result"},
	)
	distMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "messages_total",
			Help:      "Distribution messages received, by operation.",
		},
		[]string{"node", "operation"},
	)
	distHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames received.",
		},
		[]string{"node"},
	)
	distBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "bytes_total",
			Help:      "Bytes moved on distribution connections.",
		},
		[]string{"node", "direction"},
	)
	distProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "protocol_errors_total",
			Help:      "Connections closed by a fatal protocol error.",
		},
		[]string{"node", "stage"},
	)
	connectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of distribution connections in seconds.",
			Buckets:   []float64{0.1, 1, 10, 60, 600, 3600},
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			distConnections,
			distHandshakes,
			distMessages,
			distHeartbeats,
			distBytes,
			distProtocolErrors,
			connectionDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnectionOpened(node string) {
	RegisterMetrics()
	distConnections.WithLabelValues(node).Inc()
}

func RecordConnectionClosed(node string, lifetime time.Duration) {
	RegisterMetrics()
	distConnections.WithLabelValues(node).Dec()
	connectionDuration.WithLabelValues(node).Observe(lifetime.Seconds())
}

// RecordHandshake counts a handshake outcome, e.g. "ok" or "digest_mismatch".
func RecordHandshake(node, result string) {
	RegisterMetrics()
	distHandshakes.WithLabelValues(node, result).Inc()
}

func RecordMessage(node, operation string) {
	RegisterMetrics()
	distMessages.WithLabelValues(node, operation).Inc()
}

func RecordHeartbeats(node string, n uint64) {
	if n == 0 {
		return
	}
	RegisterMetrics()
	distHeartbeats.WithLabelValues(node).Add(float64(n))
}

// RecordBytes counts traffic; direction is "in" or "out".
func RecordBytes(node, direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	distBytes.WithLabelValues(node, direction).Add(float64(n))
}

// RecordProtocolError counts a fatal error; stage is "handshake" or "frame".
func RecordProtocolError(node, stage string) {
	RegisterMetrics()
	distProtocolErrors.WithLabelValues(node, stage).Inc()
}
