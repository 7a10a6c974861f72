package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dakb-ai/dakb/internal/api"
	"github.com/dakb-ai/dakb/internal/index"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type IndexStatsProvider interface {
	Stats() index.Stats
}

type EntryCounter interface {
	Count(ctx context.Context) (int64, error)
}

type HealthHandler struct {
	db    Pinger
	idx   IndexStatsProvider
	store EntryCounter
}

func NewHealthHandler(db Pinger, idx IndexStatsProvider, store EntryCounter) *HealthHandler {
	return &HealthHandler{db: db, idx: idx, store: store}
}

type HealthResponse struct {
	Status     string `json:"status"`
	Database   string `json:"database"`
	IndexReady bool   `json:"index_ready"`
}

// Health reports liveness: the database must answer and the index must
// have published at least one generation.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
	}
	resp.IndexReady = h.idx.Stats().Ready
	if !resp.IndexReady {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	api.JSON(w, status, resp)
}

type ConsistencyResponse struct {
	StoreEntries int64  `json:"store_entries"`
	IndexEntries int    `json:"index_entries"`
	Tombstones   int    `json:"tombstones"`
	Generation   uint64 `json:"generation"`
	LastRebuild  string `json:"last_rebuild,omitempty"`
	Drift        int64  `json:"drift"`
}

// Consistency compares the store row count against the published index
// generation. Non-zero drift between rebuilds is expected to be small
// and transient; large or growing drift signals lost events.
func (h *HealthHandler) Consistency(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	stats := h.idx.Stats()
	resp := ConsistencyResponse{
		StoreEntries: count,
		IndexEntries: stats.Entries,
		Tombstones:   stats.Tombstones,
		Generation:   stats.Generation,
		Drift:        count - int64(stats.Entries),
	}
	if !stats.LastRebuild.IsZero() {
		resp.LastRebuild = stats.LastRebuild.Format(time.RFC3339)
	}
	api.Success(w, http.StatusOK, resp)
}
