package buffer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/transform"
	"github.com/streamforge/token-relay/pkg/logger"
)

// fakeStore records chunk batches and can be told to fail writes.
type fakeStore struct {
	mu       sync.Mutex
	batches  [][]model.Chunk
	failNext error
}

func (s *fakeStore) SaveConnection(ctx context.Context, conn *model.Connection) error   { return nil }
func (s *fakeStore) UpdateConnection(ctx context.Context, conn *model.Connection) error { return nil }
func (s *fakeStore) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) SaveBuffer(ctx context.Context, state *model.BufferState) error   { return nil }
func (s *fakeStore) UpdateBuffer(ctx context.Context, state *model.BufferState) error { return nil }
func (s *fakeStore) Close() error                                                     { return nil }

func (s *fakeStore) SaveChunkBatch(ctx context.Context, connectionID string, chunks []model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	batch := make([]model.Chunk, len(chunks))
	copy(batch, chunks)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) GetChunks(ctx context.Context, connectionID string, afterSequence uint64, limit int) ([]model.Chunk, error) {
	return nil, nil
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) batch(i int) []model.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

func testManager(t *testing.T, st *fakeStore, compression, encryption bool) *Manager {
	t.Helper()
	keyring, err := transform.NewRandomKeyring(0)
	require.NoError(t, err)
	pipeline := transform.NewPipeline(
		transform.NewCompressor(transform.AlgorithmZstd),
		transform.NewEncryptor(keyring),
		compression, encryption,
	)
	return NewManager(st, pipeline, 4, logger.NewNop())
}

func chunkOf(connectionID string, seq uint64, payload []byte) model.Chunk {
	return model.Chunk{
		ConnectionID: connectionID,
		Sequence:     seq,
		Type:         model.ChunkTypeContent,
		Payload:      payload,
		Timestamp:    time.Now(),
		Size:         len(payload),
	}
}

func TestThresholdTriggersFlush(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	// bufferSize=8192, threshold 0.8 => 6554 bytes. Two 4096-byte
	// chunks cross it: one batched write of 2 chunks, buffer empty
	// immediately after.
	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 8192, FlushThreshold: 0.8}))

	payload := bytes.Repeat([]byte{'a'}, 4096)
	require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", 0, payload)))
	assert.Equal(t, 0, st.batchCount())

	require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", 1, payload)))
	require.Equal(t, 1, st.batchCount())
	assert.Len(t, st.batch(0), 2)

	chunks, resident, err := m.Resident("conn-1")
	require.NoError(t, err)
	assert.Zero(t, chunks)
	assert.Zero(t, resident)
}

func TestFlushPreservesArrivalOrder(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 1 << 20}))
	for seq := uint64(0); seq < 20; seq++ {
		require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", seq, []byte("payload"))))
	}
	require.NoError(t, m.Flush(ctx, "conn-1"))

	require.Equal(t, 1, st.batchCount())
	batch := st.batch(0)
	require.Len(t, batch, 20)
	for i, chunk := range batch {
		assert.Equal(t, uint64(i), chunk.Sequence)
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 1024}))
	require.NoError(t, m.Flush(ctx, "conn-1"))
	assert.Zero(t, st.batchCount())
}

func TestFlushFailureRetainsBuffer(t *testing.T) {
	st := &fakeStore{failNext: errors.New("storage down")}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 1024}))
	require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", 0, []byte("keep me"))))

	err := m.Flush(ctx, "conn-1")
	require.Error(t, err)

	// Nothing was lost; the retry succeeds and persists the chunk.
	chunks, _, err := m.Resident("conn-1")
	require.NoError(t, err)
	assert.Equal(t, 1, chunks)

	require.NoError(t, m.Flush(ctx, "conn-1"))
	require.Equal(t, 1, st.batchCount())
	assert.Equal(t, []byte("keep me"), st.batch(0)[0].Payload)
}

func TestAppendRejectsOversizedChunk(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 64}))
	err := m.Append(ctx, "conn-1", chunkOf("conn-1", 0, bytes.Repeat([]byte{'x'}, 65)))
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestResidentBytesNeverExceedCapacity(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 100, FlushThreshold: 0.99}))

	for seq := uint64(0); seq < 10; seq++ {
		require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", seq, bytes.Repeat([]byte{'x'}, 40))))
		_, resident, err := m.Resident("conn-1")
		require.NoError(t, err)
		assert.LessOrEqual(t, resident, 100)
	}
}

func TestRemovePerformsFinalFlush(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 1 << 20}))
	require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", 0, []byte("last words"))))

	require.NoError(t, m.Remove(ctx, "conn-1"))
	require.Equal(t, 1, st.batchCount())

	// The buffer is gone afterwards; Remove is idempotent.
	_, _, err := m.Resident("conn-1")
	assert.ErrorIs(t, err, ErrNoBuffer)
	assert.NoError(t, m.Remove(ctx, "conn-1"))
}

func TestAppendToUnknownConnection(t *testing.T) {
	m := testManager(t, &fakeStore{}, false, false)
	err := m.Append(context.Background(), "ghost", chunkOf("ghost", 0, []byte("x")))
	assert.ErrorIs(t, err, ErrNoBuffer)
}

func TestFlushTransformsPayloads(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, true, true)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 1 << 20, Compression: true}))

	payload := bytes.Repeat([]byte("token stream "), 200)
	original := chunkOf("conn-1", 0, payload)
	original.Type = model.ChunkTypeMetadata
	require.NoError(t, m.Append(ctx, "conn-1", original))
	require.NoError(t, m.Flush(ctx, "conn-1"))

	require.Equal(t, 1, st.batchCount())
	stored := st.batch(0)[0]

	assert.NotEqual(t, payload, stored.Payload)
	assert.Equal(t, "zstd", stored.Compression)
	assert.Equal(t, transform.Checksum(payload), stored.Checksum)
	// Post-transform chunks are opaque blobs: the type is rewritten.
	assert.Equal(t, model.ChunkTypeContent, stored.Type)
}

func TestFlushOverdueRespectsInterval(t *testing.T) {
	st := &fakeStore{}
	m := testManager(t, st, false, false)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{
		MaxSize:       1 << 20,
		FlushInterval: 50 * time.Millisecond,
	}))
	// Interval flushing disabled for conn-2.
	require.NoError(t, m.Create(ctx, "conn-2", Options{MaxSize: 1 << 20}))

	start := time.Now()
	require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", 0, []byte("a"))))
	require.NoError(t, m.Append(ctx, "conn-2", chunkOf("conn-2", 0, []byte("b"))))

	// Not yet overdue: nothing persisted.
	m.FlushOverdue(ctx, start)
	assert.Equal(t, 0, st.batchCount())

	// Past the interval, only conn-1 flushes.
	m.FlushOverdue(ctx, start.Add(60*time.Millisecond))
	require.Equal(t, 1, st.batchCount())
	assert.Equal(t, "conn-1", st.batch(0)[0].ConnectionID)

	chunks, _, err := m.Resident("conn-2")
	require.NoError(t, err)
	assert.Equal(t, 1, chunks)

	// An empty buffer is never overdue.
	m.FlushOverdue(ctx, start.Add(time.Hour))
	assert.Equal(t, 1, st.batchCount())
}

func TestFlushFramesOptOutConnections(t *testing.T) {
	st := &fakeStore{}
	keyring, err := transform.NewRandomKeyring(0)
	require.NoError(t, err)
	pipeline := transform.NewPipeline(
		transform.NewCompressor(transform.AlgorithmZstd),
		transform.NewEncryptor(keyring),
		true, false,
	)
	m := NewManager(st, pipeline, 4, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "conn-1", Options{MaxSize: 1 << 20, Compression: false}))
	payload := bytes.Repeat([]byte("compressible "), 100)
	require.NoError(t, m.Append(ctx, "conn-1", chunkOf("conn-1", 0, payload)))
	require.NoError(t, m.Flush(ctx, "conn-1"))

	// Opted-out connections still get framed so the read path can
	// decode every stored chunk the same way.
	stored := st.batch(0)[0]
	assert.Equal(t, "none", stored.Compression)
	assert.NotEqual(t, payload, stored.Payload)

	decoded, err := pipeline.Decode(stored.Payload, stored.KeyEpoch)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}
