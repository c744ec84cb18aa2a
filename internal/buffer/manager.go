// Package buffer implements the per-connection chunk buffer with
// threshold-triggered flush through the transform pipeline.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/store"
	"github.com/streamforge/token-relay/internal/transform"
	"github.com/streamforge/token-relay/pkg/logger"
	"github.com/streamforge/token-relay/pkg/metrics"
)

var (
	// ErrNoBuffer is returned for operations on a connection with no
	// registered buffer.
	ErrNoBuffer = errors.New("buffer: no buffer for connection")

	// ErrChunkTooLarge is returned when a single chunk exceeds the
	// buffer's byte capacity; accepting it would break the invariant
	// that resident bytes never exceed capacity.
	ErrChunkTooLarge = errors.New("buffer: chunk exceeds buffer capacity")
)

// DefaultFlushThreshold is the fraction of byte capacity that triggers
// an eager flush. Flushing at 80% rather than 100% leaves headroom to
// absorb one more fragment without an immediate second flush.
const DefaultFlushThreshold = 0.8

// DefaultMaxChunks caps the resident chunk count per buffer.
const DefaultMaxChunks = 256

// Options configure one connection's buffer. A zero FlushInterval
// disables time-based flushing for the connection; the size threshold
// still applies.
type Options struct {
	MaxSize        int
	FlushThreshold float64
	MaxChunks      int
	FlushInterval  time.Duration
	Compression    bool
}

// Manager owns every live connection's buffer. Append and Flush for
// the same connection are serialized by a per-buffer mutex; transforms
// within one flush fan out over a bounded worker group.
type Manager struct {
	store    store.Store
	pipeline *transform.Pipeline
	logger   *logger.Logger
	workers  int

	mu      sync.RWMutex
	buffers map[string]*connBuffer
}

type connBuffer struct {
	mu sync.Mutex

	connectionID string
	chunks       []model.Chunk
	bytes        int

	maxSize        int
	flushThreshold float64
	maxChunks      int
	flushInterval  time.Duration
	compression    bool

	lastFlush     time.Time
	chunksFlushed int64
	bytesFlushed  int64
}

// NewManager creates a buffer manager. workers bounds concurrent
// transform work per flush.
func NewManager(st store.Store, pipeline *transform.Pipeline, workers int, log *logger.Logger) *Manager {
	if workers <= 0 {
		workers = 4
	}
	return &Manager{
		store:    st,
		pipeline: pipeline,
		logger:   log,
		workers:  workers,
		buffers:  make(map[string]*connBuffer),
	}
}

// Create registers a buffer for a connection and persists its initial
// state. Called atomically with connection creation.
func (m *Manager) Create(ctx context.Context, connectionID string, opts Options) error {
	if opts.MaxSize <= 0 {
		return fmt.Errorf("buffer: max size must be positive, got %d", opts.MaxSize)
	}
	if opts.FlushThreshold <= 0 || opts.FlushThreshold > 1 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}

	b := &connBuffer{
		connectionID:   connectionID,
		maxSize:        opts.MaxSize,
		flushThreshold: opts.FlushThreshold,
		maxChunks:      opts.MaxChunks,
		flushInterval:  opts.FlushInterval,
		compression:    opts.Compression,
		lastFlush:      time.Now(),
	}

	m.mu.Lock()
	m.buffers[connectionID] = b
	m.mu.Unlock()

	if err := m.store.SaveBuffer(ctx, b.state()); err != nil {
		m.logger.Warn("failed to persist buffer state",
			zap.String("connection_id", connectionID), zap.Error(err))
	}
	return nil
}

// Append adds a chunk to the connection's buffer. When the resident
// byte total reaches the flush threshold, or the chunk count reaches
// capacity, the buffer is flushed synchronously before Append returns.
func (m *Manager) Append(ctx context.Context, connectionID string, chunk model.Chunk) error {
	b, err := m.get(connectionID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if chunk.Size > b.maxSize {
		return fmt.Errorf("%w: %d bytes into %d", ErrChunkTooLarge, chunk.Size, b.maxSize)
	}

	// Never let resident bytes exceed capacity: make room first.
	if b.bytes+chunk.Size > b.maxSize {
		if err := m.flushLocked(ctx, b); err != nil {
			return fmt.Errorf("buffer: flush to make room: %w", err)
		}
	}

	b.chunks = append(b.chunks, chunk)
	b.bytes += chunk.Size

	threshold := int(float64(b.maxSize) * b.flushThreshold)
	if b.bytes >= threshold || len(b.chunks) >= b.maxChunks {
		if err := m.flushLocked(ctx, b); err != nil {
			// The buffer is intact; a later append or the final
			// flush retries.
			m.logger.Error("threshold flush failed",
				zap.String("connection_id", connectionID), zap.Error(err))
		}
	}
	return nil
}

// Flush forces a flush of the connection's buffer. Empty buffers are a
// no-op.
func (m *Manager) Flush(ctx context.Context, connectionID string) error {
	b, err := m.get(connectionID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.flushLocked(ctx, b)
}

// FlushOverdue flushes every buffer holding chunks older than its
// flush interval. Below-threshold trickles of a slow stream reach the
// store within one interval instead of sitting resident until the
// stream ends. Buffers with interval flushing disabled are skipped.
func (m *Manager) FlushOverdue(ctx context.Context, now time.Time) {
	m.mu.RLock()
	buffers := make([]*connBuffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		buffers = append(buffers, b)
	}
	m.mu.RUnlock()

	for _, b := range buffers {
		b.mu.Lock()
		overdue := b.flushInterval > 0 && len(b.chunks) > 0 &&
			now.Sub(b.lastFlush) >= b.flushInterval
		if overdue {
			if err := m.flushLocked(ctx, b); err != nil {
				m.logger.Error("interval flush failed",
					zap.String("connection_id", b.connectionID), zap.Error(err))
			}
		}
		b.mu.Unlock()
	}
}

// Remove performs a final forced flush and destroys the buffer.
func (m *Manager) Remove(ctx context.Context, connectionID string) error {
	b, err := m.get(connectionID)
	if err != nil {
		if errors.Is(err, ErrNoBuffer) {
			return nil
		}
		return err
	}

	b.mu.Lock()
	flushErr := m.flushLocked(ctx, b)
	b.mu.Unlock()

	m.mu.Lock()
	delete(m.buffers, connectionID)
	m.mu.Unlock()

	if flushErr != nil {
		return fmt.Errorf("buffer: final flush: %w", flushErr)
	}
	return nil
}

// Resident reports the buffered chunk count and byte total.
func (m *Manager) Resident(connectionID string) (chunks, bytes int, err error) {
	b, err := m.get(connectionID)
	if err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks), b.bytes, nil
}

func (m *Manager) get(connectionID string) (*connBuffer, error) {
	m.mu.RLock()
	b, ok := m.buffers[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBuffer, connectionID)
	}
	return b, nil
}

// flushLocked transforms and persists the buffered chunks as one
// batched write. The caller holds b.mu, so a flush never runs
// concurrently with itself for the same connection. On storage failure
// the buffer is left intact for retry.
func (m *Manager) flushLocked(ctx context.Context, b *connBuffer) error {
	if len(b.chunks) == 0 {
		return nil
	}
	start := time.Now()

	batch := make([]model.Chunk, len(b.chunks))
	copy(batch, b.chunks)

	// An opted-out connection still flows through the pipeline when the
	// compress stage is active: EncodeFor frames its payloads under the
	// none tag so the read path can decode every stored chunk uniformly.
	transforming := m.pipeline != nil &&
		(m.pipeline.CompressionEnabled() || m.pipeline.EncryptionEnabled())

	if transforming {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(m.workers)
		for i := range batch {
			i := i
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				originalSize := len(batch[i].Payload)
				result, err := m.pipeline.EncodeFor(batch[i].Payload, b.compression)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", batch[i].Sequence, err)
				}
				batch[i].Payload = result.Payload
				batch[i].Checksum = result.Checksum
				batch[i].Compression = result.Compression
				batch[i].KeyEpoch = result.KeyEpoch
				// Transformed payloads are opaque blobs; the
				// original type distinction is lost on purpose.
				batch[i].Type = model.ChunkTypeContent

				if originalSize > 0 && len(result.Payload) > 0 {
					metrics.CompressionRatio.Observe(float64(originalSize) / float64(len(result.Payload)))
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			metrics.FlushFailures.Inc()
			return err
		}
	}

	if err := m.store.SaveChunkBatch(ctx, b.connectionID, batch); err != nil {
		metrics.FlushFailures.Inc()
		return fmt.Errorf("persist batch of %d: %w", len(batch), err)
	}

	flushedBytes := b.bytes
	b.chunksFlushed += int64(len(batch))
	b.bytesFlushed += int64(flushedBytes)
	b.chunks = b.chunks[:0]
	b.bytes = 0
	b.lastFlush = time.Now()

	if err := m.store.UpdateBuffer(ctx, b.state()); err != nil {
		m.logger.Warn("failed to update buffer state",
			zap.String("connection_id", b.connectionID), zap.Error(err))
	}

	metrics.RecordFlush(time.Since(start).Seconds(), len(batch))
	m.logger.Debug("buffer flushed",
		zap.String("connection_id", b.connectionID),
		zap.Int("chunks", len(batch)),
		zap.Int("bytes", flushedBytes),
	)
	return nil
}

// state snapshots the persisted buffer record. Caller holds b.mu or
// has exclusive access.
func (b *connBuffer) state() *model.BufferState {
	return &model.BufferState{
		ConnectionID:       b.connectionID,
		MaxSize:            b.maxSize,
		FlushThreshold:     b.flushThreshold,
		LastFlush:          b.lastFlush,
		CompressionEnabled: b.compression,
		ChunksFlushed:      b.chunksFlushed,
		BytesFlushed:       b.bytesFlushed,
	}
}
