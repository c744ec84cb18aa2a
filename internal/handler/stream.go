package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/streamforge/token-relay/internal/middleware"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/producer"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/internal/relay"
	"github.com/streamforge/token-relay/pkg/logger"
	"github.com/streamforge/token-relay/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	orchestrator *relay.Orchestrator
	logger       *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(orch *relay.Orchestrator, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		orchestrator: orch,
		logger:       log,
	}
}

// StartStreamRequest is the body of a stream start.
type StartStreamRequest struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Stream handles POST /api/v1/connections/:id/stream
// It starts upstream generation for the connection and relays the
// event sequence over SSE until the stream terminates or the client
// disconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "id")

	if err := middleware.ValidateConnectionID(connectionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req StartStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePrompt(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.orchestrator.StartStream(ctx, connectionID, producer.GenerationRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		System:    req.System,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, relay.ErrInvalidState):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to start stream", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start stream")
		}
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Track active connection
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the orchestrator observes the same
			// context and winds the connection down.
			h.logger.Info("SSE client disconnected", zap.String("connection_id", connectionID))
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, event); err != nil {
				h.logger.Warn("SSE write failed",
					zap.String("connection_id", connectionID), zap.Error(err))
				return
			}
		}
	}
}

// writeSSEEvent writes one event in the relay wire format: event, id,
// data and timestamp lines followed by a blank line, flushed
// immediately.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event model.StreamEvent) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\ntimestamp: %s\n\n",
		event.Type, event.ID, data, event.Timestamp.Format(time.RFC3339)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
