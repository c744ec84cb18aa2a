// Package relay drives the consumption of upstream fragment streams
// and the emission of ordered, resumable event sequences, together
// with the background lifecycle timers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamforge/token-relay/internal/buffer"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/producer"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/pkg/logger"
	"github.com/streamforge/token-relay/pkg/metrics"
)

// ErrInvalidState is returned when StartStream is called for a
// connection that is not in the connecting state.
var ErrInvalidState = errors.New("relay: connection is not in connecting state")

// eventBufferSize is the per-connection event channel capacity. A full
// channel blocks chunk delivery (backpressure to the producer loop) but
// drops heartbeats.
const eventBufferSize = 64

// DefaultGraceWindow is how long a completed or failed connection
// lingers before disposal, so slow consumers can read the final event.
const DefaultGraceWindow = 5 * time.Second

// Orchestrator runs one consumption loop per streaming connection and
// owns each connection's event channel. Events for a connection go to
// exactly one consumer; there is no shared bus.
type Orchestrator struct {
	registry *registry.Registry
	buffers  *buffer.Manager
	producer producer.Producer
	logger   *logger.Logger

	graceWindow time.Duration

	mu      sync.RWMutex
	streams map[string]*liveStream
}

type liveStream struct {
	connectionID string
	events       chan model.StreamEvent
	cancel       context.CancelFunc
}

// NewOrchestrator creates a stream orchestrator.
func NewOrchestrator(reg *registry.Registry, buffers *buffer.Manager, prod producer.Producer, graceWindow time.Duration, log *logger.Logger) *Orchestrator {
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	o := &Orchestrator{
		registry:    reg,
		buffers:     buffers,
		producer:    prod,
		logger:      log,
		graceWindow: graceWindow,
		streams:     make(map[string]*liveStream),
	}
	// A close from any path (reaper, explicit DELETE, disposal) must
	// stop the consumption loop and release the upstream iterator.
	reg.OnClose(func(conn *model.Connection) {
		o.cancelStream(conn.ID)
	})
	return o
}

// StartStream begins consuming the upstream fragment sequence for a
// connection. The connection must exist and be in the connecting
// state. The returned channel carries the connection's entire event
// sequence and is closed when the stream ends; it must be consumed by
// exactly one reader.
func (o *Orchestrator) StartStream(ctx context.Context, connectionID string, req producer.GenerationRequest) (<-chan model.StreamEvent, error) {
	conn, err := o.registry.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != model.StatusConnecting {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, connectionID, conn.Status)
	}

	if err := o.registry.SetStatus(ctx, connectionID, model.StatusStreaming); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ls := &liveStream{
		connectionID: connectionID,
		events:       make(chan model.StreamEvent, eventBufferSize),
		cancel:       cancel,
	}

	o.mu.Lock()
	o.streams[connectionID] = ls
	o.mu.Unlock()

	go o.run(streamCtx, conn, req, ls)
	return ls.events, nil
}

func (o *Orchestrator) run(ctx context.Context, conn *model.Connection, req producer.GenerationRequest, ls *liveStream) {
	log := o.logger.WithConnection(conn.ID, conn.ClientID)
	defer func() {
		o.mu.Lock()
		delete(o.streams, conn.ID)
		o.mu.Unlock()
		close(ls.events)
	}()

	o.send(ctx, ls, newEvent(model.EventTypeStart, &model.StartEvent{
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		Model:        conn.Model,
	}))

	fragments, err := o.producer.Stream(ctx, req)
	if err != nil {
		o.fail(ctx, ls, conn.ID, err, log)
		return
	}
	defer fragments.Close()

	var (
		sequence     uint64
		lastFragment = time.Now()
		usage        producer.Usage
	)

	for {
		fragment, err := fragments.Recv()

		if ctx.Err() != nil {
			// The transport went away: stop pulling, release the
			// iterator, close the connection.
			log.Info("stream cancelled", zap.Uint64("fragments", sequence))
			_ = o.registry.Close(context.Background(), conn.ID)
			return
		}
		if errors.Is(err, io.EOF) {
			o.complete(ctx, ls, conn.ID, "", usage, log)
			return
		}
		if err != nil {
			o.fail(ctx, ls, conn.ID, err, log)
			return
		}

		now := time.Now()
		latency := now.Sub(lastFragment)
		lastFragment = now

		if fragment.Usage != nil {
			usage = *fragment.Usage
		}

		payload := []byte(fragment.Delta)
		if len(payload) > 0 || !fragment.Terminal() {
			chunk := model.Chunk{
				ConnectionID: conn.ID,
				Sequence:     sequence,
				Type:         model.ChunkTypeContent,
				Payload:      payload,
				Timestamp:    now,
				Size:         len(payload),
			}
			if err := o.buffers.Append(ctx, conn.ID, chunk); err != nil {
				o.fail(ctx, ls, conn.ID, fmt.Errorf("buffering chunk %d: %w", sequence, err), log)
				return
			}

			o.registry.RecordFragment(conn.ID, len(payload), latency)
			metrics.RecordChunk(conn.Provider, len(payload))

			o.send(ctx, ls, newEvent(model.EventTypeChunk, &model.ChunkEvent{
				Sequence:     sequence,
				Content:      fragment.Content,
				Delta:        fragment.Delta,
				FinishReason: fragment.FinishReason,
			}))
			sequence++
		} else {
			o.registry.Touch(conn.ID)
		}

		if fragment.Terminal() {
			o.complete(ctx, ls, conn.ID, fragment.FinishReason, usage, log)
			return
		}
	}
}

// complete force-flushes the buffer, transitions to completed, emits
// the single complete event, and schedules disposal after the grace
// window.
func (o *Orchestrator) complete(ctx context.Context, ls *liveStream, connectionID, finishReason string, usage producer.Usage, log *logger.Logger) {
	if err := o.buffers.Flush(context.Background(), connectionID); err != nil {
		log.Error("final flush failed", zap.Error(err))
	}
	if err := o.registry.SetStatus(context.Background(), connectionID, model.StatusCompleted); err != nil {
		log.Warn("status transition to completed failed", zap.Error(err))
	}
	metrics.ConnectionsTotal.WithLabelValues(string(model.StatusCompleted)).Inc()

	conn, err := o.registry.Get(context.Background(), connectionID)
	payload := &model.CompleteEvent{
		ConnectionID: connectionID,
		FinishReason: finishReason,
		TokensIn:     usage.TokensIn,
		TokensOut:    usage.TokensOut,
	}
	if err == nil {
		payload.TotalChunks = conn.Activity.FragmentsReceived
		payload.TotalBytes = conn.Activity.BytesReceived
		payload.DurationMs = time.Since(conn.Activity.ConnectedAt).Milliseconds()
	}
	o.send(ctx, ls, newEvent(model.EventTypeComplete, payload))

	log.Info("stream completed",
		zap.String("finish_reason", finishReason),
		zap.Int64("chunks", payload.TotalChunks),
		zap.Int64("bytes", payload.TotalBytes),
	)
	o.scheduleDisposal(connectionID)
}

// fail reports an upstream failure as an error event. Errors on the
// event path are never propagated as returned errors: the caller is a
// long-lived push channel.
func (o *Orchestrator) fail(ctx context.Context, ls *liveStream, connectionID string, cause error, log *logger.Logger) {
	log.Error("upstream stream failed", zap.Error(cause))
	metrics.UpstreamErrors.WithLabelValues(o.producer.Name()).Inc()
	metrics.ConnectionsTotal.WithLabelValues(string(model.StatusError)).Inc()

	if err := o.buffers.Flush(context.Background(), connectionID); err != nil {
		log.Error("flush after upstream failure failed", zap.Error(err))
	}
	if err := o.registry.SetStatus(context.Background(), connectionID, model.StatusError); err != nil {
		log.Warn("status transition to error failed", zap.Error(err))
	}

	o.send(ctx, ls, newEvent(model.EventTypeError, &model.ErrorEvent{
		ConnectionID: connectionID,
		Code:         "upstream_error",
		Message:      cause.Error(),
	}))
	o.scheduleDisposal(connectionID)
}

// Heartbeat emits a heartbeat event to every currently streaming
// connection. Called by the heartbeat timer. Heartbeats are dropped
// when a consumer's channel is full; they are a liveness signal, not
// data.
func (o *Orchestrator) Heartbeat() {
	for _, conn := range o.registry.List() {
		if conn.Status != model.StatusStreaming {
			continue
		}
		o.mu.RLock()
		ls, ok := o.streams[conn.ID]
		o.mu.RUnlock()
		if !ok {
			continue
		}

		event := newEvent(model.EventTypeHeartbeat, &model.HeartbeatEvent{
			ConnectionID:      conn.ID,
			FragmentsReceived: conn.Activity.FragmentsReceived,
			BytesReceived:     conn.Activity.BytesReceived,
			Timestamp:         time.Now(),
		})
		select {
		case ls.events <- event:
			metrics.EventsEmitted.WithLabelValues(string(model.EventTypeHeartbeat)).Inc()
		default:
		}
	}
}

// cancelStream stops the consumption loop for a connection, if one is
// running.
func (o *Orchestrator) cancelStream(connectionID string) {
	o.mu.RLock()
	ls, ok := o.streams[connectionID]
	o.mu.RUnlock()
	if ok {
		ls.cancel()
	}
}

func (o *Orchestrator) scheduleDisposal(connectionID string) {
	time.AfterFunc(o.graceWindow, func() {
		if err := o.registry.Close(context.Background(), connectionID); err != nil {
			o.logger.Warn("scheduled disposal failed",
				zap.String("connection_id", connectionID), zap.Error(err))
		}
	})
}

// send delivers an event, blocking until the consumer accepts it or
// the stream context ends. Chunk and terminal events are never
// dropped.
func (o *Orchestrator) send(ctx context.Context, ls *liveStream, event model.StreamEvent) {
	select {
	case ls.events <- event:
		metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()
	case <-ctx.Done():
	}
}

func newEvent(eventType model.EventType, payload any) model.StreamEvent {
	return model.StreamEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
