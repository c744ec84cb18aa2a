package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/token-relay/internal/model"
)

func testStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conn := &model.Connection{
		ID:       "conn-1",
		ClientID: "client-1",
		Status:   model.StatusConnecting,
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet-20241022",
	}
	require.NoError(t, s.SaveConnection(ctx, conn))

	loaded, err := s.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, conn.ClientID, loaded.ClientID)
	assert.Equal(t, model.StatusConnecting, loaded.Status)

	conn.Status = model.StatusDisconnected
	require.NoError(t, s.UpdateConnection(ctx, conn))

	loaded, err = s.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, loaded.Status)
}

func TestGetConnectionNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetConnection(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunkBatchOrderedScan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var batch []model.Chunk
	for seq := uint64(0); seq < 5; seq++ {
		batch = append(batch, model.Chunk{
			ConnectionID: "conn-1",
			Sequence:     seq,
			Type:         model.ChunkTypeContent,
			Payload:      []byte{byte(seq)},
			Timestamp:    time.Now(),
			Size:         1,
		})
	}
	require.NoError(t, s.SaveChunkBatch(ctx, "conn-1", batch))

	// Chunks for another connection must not leak into the scan.
	require.NoError(t, s.SaveChunkBatch(ctx, "conn-2", []model.Chunk{
		{ConnectionID: "conn-2", Sequence: 0, Payload: []byte("other")},
	}))

	chunks, err := s.GetChunks(ctx, "conn-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	for i, chunk := range chunks {
		assert.Equal(t, uint64(i), chunk.Sequence)
		assert.Equal(t, "conn-1", chunk.ConnectionID)
	}
}

func TestChunkScanAfterSequence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var batch []model.Chunk
	for seq := uint64(0); seq < 10; seq++ {
		batch = append(batch, model.Chunk{ConnectionID: "c", Sequence: seq, Payload: []byte("p")})
	}
	require.NoError(t, s.SaveChunkBatch(ctx, "c", batch))

	chunks, err := s.GetChunks(ctx, "c", 6, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(7), chunks[0].Sequence)

	chunks, err = s.GetChunks(ctx, "c", 0, 4)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
}

func TestEmptyChunkBatchIsNoop(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SaveChunkBatch(context.Background(), "c", nil))
}

func TestBufferStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := &model.BufferState{
		ConnectionID:   "conn-1",
		MaxSize:        8192,
		FlushThreshold: 0.8,
		LastFlush:      time.Now(),
	}
	require.NoError(t, s.SaveBuffer(ctx, state))

	state.ChunksFlushed = 12
	state.BytesFlushed = 4096
	require.NoError(t, s.UpdateBuffer(ctx, state))
}

func TestOpenPebbleRequiresDir(t *testing.T) {
	_, err := OpenPebble("")
	assert.Error(t, err)
}
