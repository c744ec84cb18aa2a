// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/streamforge/token-relay/internal/middleware"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/pkg/logger"
)

// ConnectionHandler handles connection lifecycle endpoints.
type ConnectionHandler struct {
	registry *registry.Registry
	logger   *logger.Logger
}

// NewConnectionHandler creates a new connection handler.
func NewConnectionHandler(reg *registry.Registry, log *logger.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		registry: reg,
		logger:   log,
	}
}

// Create handles POST /api/v1/connections
func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ClientID == "" {
		req.ClientID = middleware.GetClientID(ctx)
	}
	if req.UserID == "" {
		req.UserID = middleware.GetUserID(ctx)
	}
	if err := middleware.ValidateClientID(req.ClientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateProvider(req.Provider); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.registry.Create(ctx, &req)
	if err != nil {
		if errors.Is(err, registry.ErrCapacity) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "connection capacity exceeded")
			return
		}
		h.logger.Error("failed to create connection")
		writeError(w, http.StatusInternalServerError, "failed to create connection")
		return
	}

	writeJSON(w, http.StatusCreated, conn)
}

// List handles GET /api/v1/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	conns := h.registry.List()

	resp := model.ListConnectionsResponse{
		Connections: make([]model.Connection, 0, len(conns)),
		Total:       len(conns),
	}
	for _, conn := range conns {
		resp.Connections = append(resp.Connections, *conn)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/connections/:id
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "id")

	if err := middleware.ValidateConnectionID(connectionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.registry.Get(ctx, connectionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	writeJSON(w, http.StatusOK, conn)
}

// Delete handles DELETE /api/v1/connections/:id
func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "id")

	if err := middleware.ValidateConnectionID(connectionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.Close(ctx, connectionID); err != nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
