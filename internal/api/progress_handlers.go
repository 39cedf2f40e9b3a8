package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/progress"
	"github.com/JakeFAU/filing-archiver/internal/store"
)

const ledgerTimeout = 3 * time.Second

// SnapshotSource reports the progress of the running job.
type SnapshotSource interface {
	Snapshot() (progress.Snapshot, bool)
}

// ProgressHandler exposes read-only progress endpoints.
type ProgressHandler struct {
	live    SnapshotSource
	ledger  store.Ledger
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the live source and the optional ledger.
func NewProgressHandler(live SnapshotSource, ledger store.Ledger, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		live:    live,
		ledger:  ledger,
		timeout: ledgerTimeout,
		logger:  logger,
	}
}

type snapshotDTO struct {
	progress.Snapshot
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Current handles GET /v1/progress. It returns the snapshot of the current run, or
// 404 before the first run starts.
func (h *ProgressHandler) Current(w http.ResponseWriter, _ *http.Request) {
	if h.live == nil {
		writeError(w, http.StatusServiceUnavailable, "no live progress source")
		return
	}
	snap, ok := h.live.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	writeJSON(w, http.StatusOK, snapshotDTO{Snapshot: snap, ElapsedSeconds: snap.Elapsed.Seconds()})
}

type runDTO struct {
	ID           string     `json:"id"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Archived     int64      `json:"archived"`
	Bytes        int64      `json:"bytes"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for a
// malformed ID, 404 when the ledger has no such run, and 503 without a ledger.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.ledger.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": runDTO{
		ID:           run.ID.String(),
		Mode:         run.Mode,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Archived:     run.Archived,
		Bytes:        run.Bytes,
		ErrorMessage: run.ErrorMessage,
	}})
}
