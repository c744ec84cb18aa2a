// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionsActive tracks currently open relay connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of open relay connections",
		},
	)

	// ConnectionsTotal tracks connection outcomes.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total relay connections by terminal status",
		},
		[]string{"status"},
	)

	// ConnectionsRejected tracks admission-control rejections.
	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Connections rejected because the ceiling was reached",
		},
	)

	// ChunksRelayed tracks chunks passed through the relay.
	ChunksRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_chunks_total",
			Help: "Total chunks relayed",
		},
		[]string{"provider"},
	)

	// BytesRelayed tracks fragment bytes received from upstream.
	BytesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bytes_total",
			Help: "Total fragment bytes relayed",
		},
		[]string{"provider"},
	)

	// EventsEmitted tracks stream events by type.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Total stream events emitted",
		},
		[]string{"type"},
	)

	// FlushDuration tracks buffer flush latency.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_flush_duration_seconds",
			Help:    "Buffer flush duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// FlushFailures tracks flushes that failed and left the buffer
	// intact for retry.
	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_flush_failures_total",
			Help: "Flush attempts that failed",
		},
	)

	// FlushedChunks tracks chunks persisted per flush batch.
	FlushedChunks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_flush_batch_chunks",
			Help:    "Chunks per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// CompressionRatio tracks original/compressed size per flushed chunk.
	CompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_compression_ratio",
			Help:    "Original to compressed size ratio for flushed chunks",
			Buckets: []float64{1, 1.1, 1.25, 1.5, 2, 3, 5, 10},
		},
	)

	// UpstreamErrors tracks failures reading the fragment producer.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Errors from the upstream fragment producer",
		},
		[]string{"provider"},
	)

	// SSEConnectionsActive tracks active SSE consumers.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sse_connections_active",
			Help: "Number of active SSE consumers",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFlush records a successful flush of n chunks.
func RecordFlush(duration float64, chunks int) {
	FlushDuration.Observe(duration)
	FlushedChunks.Observe(float64(chunks))
}

// RecordChunk records one relayed chunk.
func RecordChunk(provider string, bytes int) {
	ChunksRelayed.WithLabelValues(provider).Inc()
	BytesRelayed.WithLabelValues(provider).Add(float64(bytes))
}

// IncrementSSEConnections increments the active SSE consumer count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE consumer count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
