package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/dicomanon/internal/batch"
	"github.com/eargollo/dicomanon/internal/ledger"
)

// RunsHandler handles run-related API endpoints. History endpoints need
// the ledger; without it they answer 503.
type RunsHandler struct {
	DB      *sql.DB // optional
	Manager *batch.Manager
	// BaseCtx bounds runs started over HTTP; they must outlive the request.
	BaseCtx context.Context
}

func (h *RunsHandler) ledger(w http.ResponseWriter) bool {
	if h.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "LEDGER_DISABLED", "Run history needs a ledger database")
		return false
	}
	return true
}

// Create handles POST /api/runs: it starts a run in the background.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := h.BaseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	snap, err := h.Manager.Start(ctx, "api")
	if err != nil {
		if errors.Is(err, batch.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "RUN_ALREADY_ACTIVE", "A run is already in progress")
			return
		}
		slog.Error("runs: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         snap.ID,
		"status":     "running",
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
	})
}

// Cancel handles DELETE /api/runs/current.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, batch.ErrNoActiveRun) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_RUN", "No run is currently active")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         snap.ID,
		"status":     "cancelling",
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
		"reported":   snap.Reported,
	})
}

// List handles GET /api/runs: run history newest first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ledger(w) {
		return
	}
	limit, offset := parsePagination(r)
	runs, total, err := ledger.ListRuns(r.Context(), h.DB, limit, offset)
	if err != nil {
		slog.Error("runs list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[ledger.Run]{
		Items:  runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/runs/{id}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ledger(w) {
		return
	}
	run, err := ledger.GetRun(r.Context(), h.DB, chi.URLParam(r, "id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Results handles GET /api/runs/{id}/results?outcome=skipped|anonymized|failed.
func (h *RunsHandler) Results(w http.ResponseWriter, r *http.Request) {
	if !h.ledger(w) {
		return
	}
	id := chi.URLParam(r, "id")
	outcome, ok := parseOutcome(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_OUTCOME", "outcome must be skipped, anonymized or failed")
		return
	}

	if _, err := ledger.GetRun(r.Context(), h.DB, id); errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	limit, offset := parsePagination(r)
	items, total, err := ledger.ListResults(r.Context(), h.DB, id, outcome, limit, offset)
	if err != nil {
		slog.Error("run results", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[ledger.ItemResult]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
