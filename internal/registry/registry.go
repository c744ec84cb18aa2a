// Package registry implements the in-memory table of live connections
// with admission control.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamforge/token-relay/internal/buffer"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/store"
	"github.com/streamforge/token-relay/pkg/logger"
	"github.com/streamforge/token-relay/pkg/metrics"
)

var (
	// ErrCapacity is returned by Create when the live connection
	// count has reached the configured ceiling.
	ErrCapacity = errors.New("registry: connection capacity exceeded")

	// ErrNotFound is returned when a connection id is unknown both in
	// memory and in durable storage.
	ErrNotFound = errors.New("registry: connection not found")
)

// CloseObserver is notified after a connection has been closed and
// removed from the table.
type CloseObserver func(conn *model.Connection)

// Registry owns every live connection. The table and live count are
// the only state mutated from multiple flows (orchestrator, timers,
// explicit close); one RWMutex guards them, and all connection
// mutation goes through Registry methods.
type Registry struct {
	store   store.Store
	buffers *buffer.Manager
	logger  *logger.Logger

	maxConnections int
	defaults       model.ConnectionOptions

	mu        sync.RWMutex
	conns     map[string]*model.Connection
	observers []CloseObserver
}

// New creates a registry with the given admission ceiling and default
// per-connection options.
func New(st store.Store, buffers *buffer.Manager, maxConnections int, defaults model.ConnectionOptions, log *logger.Logger) *Registry {
	return &Registry{
		store:          st,
		buffers:        buffers,
		logger:         log,
		maxConnections: maxConnections,
		defaults:       defaults,
		conns:          make(map[string]*model.Connection),
	}
}

// OnClose registers an observer for connection_closed notifications.
func (r *Registry) OnClose(observer CloseObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, observer)
	r.mu.Unlock()
}

// Create admits a new connection. It fails with ErrCapacity when the
// live count has reached the ceiling; otherwise it allocates an id,
// registers the connection and its buffer atomically, and persists a
// creation record.
func (r *Registry) Create(ctx context.Context, req *model.CreateConnectionRequest) (*model.Connection, error) {
	now := time.Now()
	conn := &model.Connection{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Status:    model.StatusConnecting,
		Provider:  req.Provider,
		Model:     req.Model,
		Options:   r.defaults,
		Activity: model.Activity{
			ConnectedAt:  now,
			LastActivity: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	if len(r.conns) >= r.maxConnections {
		r.mu.Unlock()
		metrics.ConnectionsRejected.Inc()
		return nil, fmt.Errorf("%w: %d live connections", ErrCapacity, r.maxConnections)
	}
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	if err := r.buffers.Create(ctx, conn.ID, buffer.Options{
		MaxSize:        conn.Options.BufferSize,
		FlushThreshold: conn.Options.FlushThreshold,
		FlushInterval:  conn.Options.FlushInterval,
		Compression:    conn.Options.CompressionEnabled,
	}); err != nil {
		r.mu.Lock()
		delete(r.conns, conn.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: creating buffer: %w", err)
	}

	// Persistence is eventual; a failed creation record does not
	// reject the connection.
	if err := r.store.SaveConnection(ctx, conn); err != nil {
		r.logger.Warn("failed to persist connection record",
			zap.String("connection_id", conn.ID), zap.Error(err))
	}

	metrics.ConnectionsActive.Inc()
	r.logger.Info("connection created",
		zap.String("connection_id", conn.ID),
		zap.String("client_id", conn.ClientID),
		zap.String("provider", conn.Provider),
	)
	return snapshot(conn), nil
}

// Get returns a connection by id. The in-memory table is checked
// first; on a miss the durable store is consulted, since the record
// may have been created by another replica.
func (r *Registry) Get(ctx context.Context, id string) (*model.Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if ok {
		return snapshot(conn), nil
	}

	stored, err := r.store.GetConnection(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: store lookup for %s: %w", id, err)
	}
	return stored, nil
}

// Close tears down a connection: final buffer flush, status
// disconnected, table removal, live-count decrement, observer
// notification. Idempotent — closing an unknown or already-closed id
// is a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	observers := r.observers
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := r.buffers.Remove(ctx, id); err != nil {
		r.logger.Error("final flush on close failed",
			zap.String("connection_id", id), zap.Error(err))
	}

	r.mu.Lock()
	conn.Status = model.StatusDisconnected
	conn.UpdatedAt = time.Now()
	closed := snapshot(conn)
	r.mu.Unlock()

	if err := r.store.UpdateConnection(ctx, closed); err != nil {
		r.logger.Warn("failed to persist connection close",
			zap.String("connection_id", id), zap.Error(err))
	}

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsTotal.WithLabelValues(string(model.StatusDisconnected)).Inc()
	r.logger.Info("connection closed", zap.String("connection_id", id))

	for _, observer := range observers {
		observer(closed)
	}
	return nil
}

// SetStatus transitions a connection's status.
func (r *Registry) SetStatus(ctx context.Context, id string, status model.ConnectionStatus) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	conn.Status = status
	conn.UpdatedAt = time.Now()
	updated := snapshot(conn)
	r.mu.Unlock()

	if err := r.store.UpdateConnection(ctx, updated); err != nil {
		r.logger.Warn("failed to persist status change",
			zap.String("connection_id", id), zap.Error(err))
	}
	return nil
}

// RecordFragment updates a connection's activity counters for one
// received fragment.
func (r *Registry) RecordFragment(id string, bytes int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return
	}
	now := time.Now()
	conn.Activity.LastActivity = now
	conn.Activity.FragmentsReceived++
	conn.Activity.BytesReceived += int64(bytes)
	conn.Activity.TotalLatencyMs += latency.Milliseconds()
	conn.UpdatedAt = now
}

// Touch refreshes a connection's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.Activity.LastActivity = time.Now()
	}
}

// Count returns the live connection count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List snapshots every live connection.
func (r *Registry) List() []*model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*model.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, snapshot(conn))
	}
	return conns
}

// Stale returns the ids of connections idle since before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, conn := range r.conns {
		if conn.Activity.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// snapshot copies a connection so callers never share the registry's
// mutable instance.
func snapshot(conn *model.Connection) *model.Connection {
	copied := *conn
	return &copied
}
