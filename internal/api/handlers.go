package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/workix/fieldsync/internal/sync"
	"github.com/workix/fieldsync/internal/types"
	"github.com/workix/fieldsync/internal/worker"
)

// QueueStore defines the store operations the handlers need.
// Implemented by store.SQLiteStore.
type QueueStore interface {
	ListFailed(ctx context.Context) ([]sync.QueueEntry, error)
	RequeueFailed(ctx context.Context, id int64) error
	ListConflicts(ctx context.Context, limit int) ([]sync.ConflictRecord, error)
}

// Syncer is the coordinator surface the handlers drive.
type Syncer interface {
	Status(ctx context.Context) (*types.SyncStatus, error)
	TriggerSync() bool
}

// Handler implements the loopback API handlers
type Handler struct {
	store   QueueStore
	syncer  Syncer
	apiKey  string
	version string
}

// NewHandler creates a new Handler
func NewHandler(s QueueStore, syncer Syncer, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		syncer:  syncer,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
	}

	writeJSON(w, http.StatusOK, resp)
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncer.Status(r.Context())
	if err != nil {
		slog.Error("status query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// TriggerSync handles POST /api/v1/sync/trigger. Returns 202 when a cycle
// was scheduled, 409 when one is already running.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.syncer.TriggerSync() {
		WriteProblem(w, r, http.StatusConflict, "Sync already in progress")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// ListFailed handles GET /api/v1/sync/queue/failed
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListFailed(r.Context())
	if err != nil {
		slog.Error("failed queue query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []sync.QueueEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// RequeueFailed handles POST /api/v1/sync/queue/{id}/requeue. The entry
// returns to pending with a fresh retry budget and is picked up by the next
// cycle.
func (h *Handler) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid queue entry ID")
		return
	}

	if err := h.store.RequeueFailed(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// ListConflicts handles GET /api/v1/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	conflicts, err := h.store.ListConflicts(r.Context(), limit)
	if err != nil {
		slog.Error("conflict query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []sync.ConflictRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

var _ Syncer = (*worker.Coordinator)(nil)
