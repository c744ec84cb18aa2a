package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamforge/token-relay/internal/buffer"
	"github.com/streamforge/token-relay/internal/cache"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/pkg/logger"
)

// SnapshotCacheKey is where the metrics aggregator publishes the
// latest process-wide snapshot.
const SnapshotCacheKey = "relay/metrics/aggregate"

// TimerConfig holds the background cadences. A zero interval disables
// that timer.
type TimerConfig struct {
	ConnectionTimeout  time.Duration
	CleanupInterval    time.Duration
	HeartbeatInterval  time.Duration
	FlushSweepInterval time.Duration
	MetricsInterval    time.Duration
	SnapshotTTL        time.Duration
}

// Timers owns the idle reaper, the heartbeat emitter, the buffer flush
// sweep, and the metrics aggregator. Each runs on its own ticker so a
// slow cache write never delays reaping.
type Timers struct {
	registry     *registry.Registry
	orchestrator *Orchestrator
	buffers      *buffer.Manager
	cache        cache.Cache
	logger       *logger.Logger
	config       TimerConfig

	mu       sync.RWMutex
	snapshot model.MetricsSnapshot

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewTimers creates the background timers. Start must be called to
// begin ticking.
func NewTimers(reg *registry.Registry, orch *Orchestrator, buffers *buffer.Manager, c cache.Cache, config TimerConfig, log *logger.Logger) *Timers {
	return &Timers{
		registry:     reg,
		orchestrator: orch,
		buffers:      buffers,
		cache:        c,
		logger:       log,
		config:       config,
	}
}

// Start launches the timer goroutines. They run until Stop is called
// or the parent context ends.
func (t *Timers) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	if t.config.CleanupInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.config.CleanupInterval, t.reap)
	}
	if t.config.HeartbeatInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.config.HeartbeatInterval, func(context.Context) {
			t.orchestrator.Heartbeat()
		})
	}
	if t.config.FlushSweepInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.config.FlushSweepInterval, func(ctx context.Context) {
			t.buffers.FlushOverdue(ctx, time.Now())
		})
	}
	if t.config.MetricsInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.config.MetricsInterval, t.aggregate)
	}
}

// Stop halts all timers and waits for in-flight ticks to finish.
func (t *Timers) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Timers) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// reap closes connections whose last activity predates the idle
// cutoff. Closing releases the registry slot, the buffer, and the
// consumption loop.
func (t *Timers) reap(ctx context.Context) {
	if t.config.ConnectionTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-t.config.ConnectionTimeout)
	for _, id := range t.registry.Stale(cutoff) {
		t.logger.Info("reaping idle connection", zap.String("connection_id", id))
		if err := t.registry.Close(ctx, id); err != nil {
			t.logger.Warn("reap failed", zap.String("connection_id", id), zap.Error(err))
		}
	}
}

// aggregate computes the process-wide snapshot and publishes it to the
// cache with a short TTL. The snapshot is also kept locally for the
// aggregate endpoint so a cache outage degrades freshness, not
// availability.
func (t *Timers) aggregate(ctx context.Context) {
	snap := t.compute()

	t.mu.Lock()
	t.snapshot = snap
	t.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		t.logger.Error("marshaling metrics snapshot failed", zap.Error(err))
		return
	}
	if err := t.cache.Set(ctx, SnapshotCacheKey, data, t.config.SnapshotTTL); err != nil {
		t.logger.Warn("publishing metrics snapshot failed", zap.Error(err))
	}
}

func (t *Timers) compute() model.MetricsSnapshot {
	conns := t.registry.List()

	snap := model.MetricsSnapshot{
		OpenConnections: len(conns),
		ComputedAt:      time.Now(),
	}

	var (
		latencySum float64
		withMean   int
		failed     int
	)
	for _, conn := range conns {
		if conn.Status == model.StatusStreaming {
			snap.StreamingConnections++
		}
		if conn.Status == model.StatusError {
			failed++
		}
		snap.TotalFragments += conn.Activity.FragmentsReceived
		snap.TotalBytes += conn.Activity.BytesReceived
		if mean := conn.Activity.AverageLatencyMs(); mean > 0 {
			latencySum += mean
			withMean++
		}
	}
	if withMean > 0 {
		snap.MeanLatencyMs = latencySum / float64(withMean)
	}
	if len(conns) > 0 {
		snap.ErrorRate = float64(failed) / float64(len(conns))
	}
	return snap
}

// Snapshot returns the most recently computed aggregate.
func (t *Timers) Snapshot() model.MetricsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}
