package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/orchestrator"
)

// GetRun возвращает run со статусами шагов.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	exec, found, err := h.runs.LookupExecution(r.Context(), runID)
	if HandleError(w, h.logger, err) {
		return
	}
	if !found {
		NotFound(w, "run not found")
		return
	}

	Success(w, RunFromDomain(exec))
}

// ListActiveRuns возвращает ID runs, выполняющихся в этом процессе.
// GET /api/v1/runs/active
func (h *Handler) ListActiveRuns(w http.ResponseWriter, r *http.Request) {
	ids := h.jobs.ActiveRuns()
	List(w, ids, len(ids))
}

// CancelRun останавливает run или отдельные его шаги.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req CancelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	err = h.jobs.Cancel(runID, req.User, req.StepIDs...)
	if errors.Is(err, orchestrator.ErrRunNotActive) {
		err = fmt.Errorf("%w: the run is finished or runs in another engine", err)
	}
	if HandleError(w, h.logger, err) {
		return
	}

	Accepted(w, map[string]any{
		"run_id":   runID,
		"step_ids": req.StepIDs,
	})
}
