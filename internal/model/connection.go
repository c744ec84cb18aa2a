// Package model defines data structures for the token stream relay.
package model

import (
	"time"
)

// ConnectionStatus represents the lifecycle state of a connection.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusStreaming    ConnectionStatus = "streaming"
	StatusCompleted    ConnectionStatus = "completed"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionOptions are captured at creation and immutable afterwards.
type ConnectionOptions struct {
	BufferSize         int           `json:"buffer_size"`
	FlushThreshold     float64       `json:"flush_threshold"`
	FlushInterval      time.Duration `json:"flush_interval"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	CompressionEnabled bool          `json:"compression_enabled"`
	EncryptionEnabled  bool          `json:"encryption_enabled"`
}

// Activity holds the mutable counters updated while a connection streams.
type Activity struct {
	ConnectedAt       time.Time `json:"connected_at"`
	LastActivity      time.Time `json:"last_activity"`
	FragmentsReceived int64     `json:"fragments_received"`
	BytesReceived     int64     `json:"bytes_received"`
	// TotalLatencyMs accumulates inter-fragment gaps; the mean is
	// TotalLatencyMs / FragmentsReceived.
	TotalLatencyMs int64 `json:"total_latency_ms"`
}

// AverageLatencyMs returns the mean inter-fragment latency.
func (a *Activity) AverageLatencyMs() float64 {
	if a.FragmentsReceived == 0 {
		return 0
	}
	return float64(a.TotalLatencyMs) / float64(a.FragmentsReceived)
}

// Connection represents a single client's live subscription to one
// generation stream.
type Connection struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Status   ConnectionStatus `json:"status"`
	Provider string           `json:"provider"`
	Model    string           `json:"model"`

	Activity Activity          `json:"activity"`
	Options  ConnectionOptions `json:"options"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the connection has reached a terminal
// streaming state.
func (c *Connection) Terminal() bool {
	switch c.Status {
	case StatusCompleted, StatusError, StatusDisconnected:
		return true
	}
	return false
}

// CreateConnectionRequest is the request to open a new connection.
type CreateConnectionRequest struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// ListConnectionsResponse is the response for listing connections.
type ListConnectionsResponse struct {
	Connections []Connection `json:"connections"`
	Total       int          `json:"total"`
}
