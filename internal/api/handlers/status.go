package handlers

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/dicomanon/internal/batch"
	"github.com/eargollo/dicomanon/internal/ledger"
	"github.com/eargollo/dicomanon/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	DB      *sql.DB // optional
	Manager *batch.Manager
	Sched   *scheduler.Scheduler // optional
	Version string
}

type statusResponse struct {
	Version          string          `json:"version"`
	ActiveRun        *batch.Snapshot `json:"active_run"`
	Schedule         scheduleInfo    `json:"schedule"`
	LastCompletedRun *ledger.Run     `json:"last_completed_run"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the live state of the active run, the schedule and the
// last completed run recorded in the ledger.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Version: h.Version}
	if h.Manager != nil {
		resp.ActiveRun = h.Manager.Active()
	}
	if h.Sched != nil {
		resp.Schedule = scheduleInfo{Cron: h.Sched.CronExpr(), NextRunAt: h.Sched.NextRunAt()}
	}
	if h.DB != nil {
		last, err := ledger.LastCompleted(r.Context(), h.DB)
		if err != nil {
			slog.Error("status: last completed run", "error", err)
		}
		resp.LastCompletedRun = last
	}
	writeJSON(w, http.StatusOK, resp)
}
