// Package store defines the durable storage collaborator for
// connections, chunk batches, and buffer state.
package store

import (
	"context"
	"errors"

	"github.com/streamforge/token-relay/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists relay state. Implementations provide plain
// create/update calls keyed by connection id; no transactional coupling
// with in-memory state is assumed beyond "eventually persisted".
type Store interface {
	SaveConnection(ctx context.Context, conn *model.Connection) error
	UpdateConnection(ctx context.Context, conn *model.Connection) error
	GetConnection(ctx context.Context, id string) (*model.Connection, error)

	// SaveChunkBatch persists a flushed batch in a single batched
	// write. Either the whole batch lands or none of it does.
	SaveChunkBatch(ctx context.Context, connectionID string, chunks []model.Chunk) error
	GetChunks(ctx context.Context, connectionID string, afterSequence uint64, limit int) ([]model.Chunk, error)

	SaveBuffer(ctx context.Context, state *model.BufferState) error
	UpdateBuffer(ctx context.Context, state *model.BufferState) error

	Close() error
}
