package handler

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/token-relay/internal/buffer"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/internal/store"
	"github.com/streamforge/token-relay/pkg/logger"
)

func newConnectionRouter(t *testing.T, maxConnections int) (chi.Router, *registry.Registry) {
	t.Helper()
	st, err := store.OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	buffers := buffer.NewManager(st, nil, 2, logger.NewNop())
	reg := registry.New(st, buffers, maxConnections, model.ConnectionOptions{
		BufferSize:        32 * 1024,
		FlushThreshold:    0.8,
		HeartbeatInterval: 30 * time.Second,
	}, logger.NewNop())

	h := NewConnectionHandler(reg, logger.NewNop())
	r := chi.NewRouter()
	r.Route("/api/v1/connections", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
		})
	})
	return r, reg
}

func TestCreateConnection(t *testing.T) {
	router, _ := newConnectionRouter(t, 8)

	req := httptest.NewRequest("POST", "/api/v1/connections",
		strings.NewReader(`{"client_id":"client-1","provider":"anthropic"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 201, rec.Code)

	var conn model.Connection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "client-1", conn.ClientID)
	assert.Equal(t, model.StatusConnecting, conn.Status)
	assert.Equal(t, 32*1024, conn.Options.BufferSize)
}

func TestCreateConnectionCapacityExceeded(t *testing.T) {
	router, _ := newConnectionRouter(t, 1)

	body := `{"client_id":"client-1"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/connections", strings.NewReader(body)))
	require.Equal(t, 201, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/connections", strings.NewReader(body)))
	assert.Equal(t, 503, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCreateConnectionRejectsBadProvider(t *testing.T) {
	router, _ := newConnectionRouter(t, 8)

	req := httptest.NewRequest("POST", "/api/v1/connections",
		strings.NewReader(`{"client_id":"client-1","provider":"mystery"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestGetAndDeleteConnection(t *testing.T) {
	router, reg := newConnectionRouter(t, 8)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/connections",
		strings.NewReader(`{"client_id":"client-1"}`)))
	require.Equal(t, 201, rec.Code)

	var conn model.Connection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/connections/"+conn.ID, nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/connections/"+conn.ID, nil))
	assert.Equal(t, 204, rec.Code)
	assert.Equal(t, 0, reg.Count())
}

func TestListConnections(t *testing.T) {
	router, _ := newConnectionRouter(t, 8)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/connections",
			strings.NewReader(`{"client_id":"client-1"}`)))
		require.Equal(t, 201, rec.Code)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/connections", nil))
	require.Equal(t, 200, rec.Code)

	var resp model.ListConnectionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Connections, 3)
}
