package handler

import (
	"encoding/json"
	"net/http"

	"github.com/streamforge/token-relay/internal/cache"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/relay"
	"github.com/streamforge/token-relay/pkg/logger"
)

// MetricsHandler serves the aggregated relay snapshot.
type MetricsHandler struct {
	timers *relay.Timers
	cache  cache.Cache
	logger *logger.Logger
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(timers *relay.Timers, c cache.Cache, log *logger.Logger) *MetricsHandler {
	return &MetricsHandler{
		timers: timers,
		cache:  c,
		logger: log,
	}
}

// Aggregate handles GET /api/v1/metrics/aggregate
// It prefers the cached snapshot so replicas agree; the local copy is
// the fallback when the cache is cold or unavailable.
func (h *MetricsHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	if data, err := h.cache.Get(r.Context(), relay.SnapshotCacheKey); err == nil {
		var snap model.MetricsSnapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	writeJSON(w, http.StatusOK, h.timers.Snapshot())
}
