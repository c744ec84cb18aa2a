package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/streamforge/token-relay/internal/model"
)

// Key layout:
//
//	conn/<id>            connection record (JSON)
//	buf/<id>             buffer state record (JSON)
//	chunk/<id>/<seq be>  one chunk (JSON), seq big-endian for ordered scans
const (
	connPrefix  = "conn/"
	bufPrefix   = "buf/"
	chunkPrefix = "chunk/"
)

// PebbleStore is the Pebble-backed Store implementation. Chunk batches
// commit atomically through a Pebble batch.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble creates or opens a Pebble database at dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("store: data directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: opening pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func connKey(id string) []byte {
	return []byte(connPrefix + id)
}

func bufKey(id string) []byte {
	return []byte(bufPrefix + id)
}

func chunkKey(connectionID string, sequence uint64) []byte {
	key := make([]byte, 0, len(chunkPrefix)+len(connectionID)+1+8)
	key = append(key, chunkPrefix...)
	key = append(key, connectionID...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, sequence)
}

// SaveConnection persists a connection creation record.
func (s *PebbleStore) SaveConnection(ctx context.Context, conn *model.Connection) error {
	return s.setJSON(connKey(conn.ID), conn)
}

// UpdateConnection overwrites the connection record.
func (s *PebbleStore) UpdateConnection(ctx context.Context, conn *model.Connection) error {
	return s.setJSON(connKey(conn.ID), conn)
}

// GetConnection loads a connection record, ErrNotFound when absent.
func (s *PebbleStore) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	value, closer, err := s.db.Get(connKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get connection %s: %w", id, err)
	}
	defer closer.Close()

	var conn model.Connection
	if err := json.Unmarshal(value, &conn); err != nil {
		return nil, fmt.Errorf("store: decode connection %s: %w", id, err)
	}
	return &conn, nil
}

// SaveChunkBatch writes all chunks in one committed batch.
func (s *PebbleStore) SaveChunkBatch(ctx context.Context, connectionID string, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range chunks {
		data, err := json.Marshal(&chunks[i])
		if err != nil {
			return fmt.Errorf("store: encode chunk %d: %w", chunks[i].Sequence, err)
		}
		if err := batch.Set(chunkKey(connectionID, chunks[i].Sequence), data, nil); err != nil {
			return fmt.Errorf("store: batch set chunk %d: %w", chunks[i].Sequence, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: commit chunk batch for %s: %w", connectionID, err)
	}
	return nil
}

// GetChunks scans chunks for a connection in sequence order, starting
// after afterSequence. A limit <= 0 means no limit.
func (s *PebbleStore) GetChunks(ctx context.Context, connectionID string, afterSequence uint64, limit int) ([]model.Chunk, error) {
	// afterSequence 0 replays from the beginning; anything else starts
	// strictly after the cursor, matching the resume semantics of the
	// SSE endpoint.
	lower := chunkKey(connectionID, 0)
	if afterSequence > 0 {
		lower = chunkKey(connectionID, afterSequence+1)
	}
	upper := chunkKey(connectionID, ^uint64(0))

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("store: chunk iterator for %s: %w", connectionID, err)
	}
	defer iter.Close()

	var chunks []model.Chunk
	for iter.First(); iter.Valid(); iter.Next() {
		var chunk model.Chunk
		if err := json.Unmarshal(iter.Value(), &chunk); err != nil {
			return nil, fmt.Errorf("store: decode chunk: %w", err)
		}
		chunks = append(chunks, chunk)
		if limit > 0 && len(chunks) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: chunk scan for %s: %w", connectionID, err)
	}
	return chunks, nil
}

// SaveBuffer persists a buffer state record.
func (s *PebbleStore) SaveBuffer(ctx context.Context, state *model.BufferState) error {
	return s.setJSON(bufKey(state.ConnectionID), state)
}

// UpdateBuffer overwrites the buffer state record.
func (s *PebbleStore) UpdateBuffer(ctx context.Context, state *model.BufferState) error {
	return s.setJSON(bufKey(state.ConnectionID), state)
}

func (s *PebbleStore) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}
