package model

import (
	"time"
)

// ChunkType classifies the payload of a chunk.
type ChunkType string

const (
	ChunkTypeContent  ChunkType = "content"
	ChunkTypeMetadata ChunkType = "metadata"
	ChunkTypeControl  ChunkType = "control"
)

// Chunk is one ordered unit of streamed data belonging to a connection.
// Sequence numbers start at 0 and are strictly increasing with no gaps
// while the connection is open. A chunk is immutable once built; the
// buffer owns it until flush, after which durable storage does.
type Chunk struct {
	ConnectionID string    `json:"connection_id"`
	Sequence     uint64    `json:"sequence"`
	Type         ChunkType `json:"type"`
	Payload      []byte    `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int       `json:"size"`

	// Checksum is the hex BLAKE3 digest of the pre-transform payload.
	Checksum string `json:"checksum,omitempty"`

	// Compression names the algorithm actually applied at flush time
	// ("none" when the payload was incompressible or compression was
	// disabled). KeyEpoch records which encryption key sealed the
	// payload so batches written before a rotation stay decodable.
	Compression string `json:"compression,omitempty"`
	KeyEpoch    uint32 `json:"key_epoch,omitempty"`
}

// BufferState is the persisted record of a connection's buffer.
type BufferState struct {
	ConnectionID       string    `json:"connection_id"`
	MaxSize            int       `json:"max_size"`
	FlushThreshold     float64   `json:"flush_threshold"`
	LastFlush          time.Time `json:"last_flush"`
	CompressionEnabled bool      `json:"compression_enabled"`
	ChunksFlushed      int64     `json:"chunks_flushed"`
	BytesFlushed       int64     `json:"bytes_flushed"`
}
