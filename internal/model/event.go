package model

import (
	"time"
)

// EventType represents the type of a stream event.
type EventType string

const (
	EventTypeStart     EventType = "start"
	EventTypeChunk     EventType = "chunk"
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeComplete  EventType = "complete"
	EventTypeError     EventType = "error"
)

// StreamEvent is one event on a connection's event channel. Events are
// ephemeral: they are written to the transport and never persisted.
type StreamEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StartEvent is the payload of the first event on a stream.
type StartEvent struct {
	ConnectionID string `json:"connection_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

// ChunkEvent carries one fragment's content to the consumer.
type ChunkEvent struct {
	Sequence     uint64 `json:"sequence"`
	Content      string `json:"content,omitempty"`
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// HeartbeatEvent carries running counters as a liveness signal.
type HeartbeatEvent struct {
	ConnectionID      string    `json:"connection_id"`
	FragmentsReceived int64     `json:"fragments_received"`
	BytesReceived     int64     `json:"bytes_received"`
	Timestamp         time.Time `json:"timestamp"`
}

// CompleteEvent reports aggregate totals when a stream finishes.
type CompleteEvent struct {
	ConnectionID string `json:"connection_id"`
	TotalChunks  int64  `json:"total_chunks"`
	TotalBytes   int64  `json:"total_bytes"`
	DurationMs   int64  `json:"duration_ms"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensIn     int    `json:"tokens_in,omitempty"`
	TokensOut    int    `json:"tokens_out,omitempty"`
}

// ErrorEvent reports a stream failure with a machine-readable code.
type ErrorEvent struct {
	ConnectionID string `json:"connection_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// MetricsSnapshot holds process-wide aggregates published to the cache.
type MetricsSnapshot struct {
	OpenConnections      int       `json:"open_connections"`
	StreamingConnections int       `json:"streaming_connections"`
	TotalFragments       int64     `json:"total_fragments"`
	TotalBytes           int64     `json:"total_bytes"`
	MeanLatencyMs        float64   `json:"mean_latency_ms"`
	ErrorRate            float64   `json:"error_rate"`
	ComputedAt           time.Time `json:"computed_at"`
}
