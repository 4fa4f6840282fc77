package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ListJobs возвращает jobs каталога.
// GET /api/v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	result := make([]JobResponse, len(h.catalog.Jobs))
	for i := range h.catalog.Jobs {
		result[i] = JobFromDomain(&h.catalog.Jobs[i])
	}
	List(w, result, len(result))
}

// GetJob возвращает job по ID.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.catalog.FindJob(r.PathValue("id"))
	if !ok {
		NotFound(w, "job not found")
		return
	}
	Success(w, JobFromDomain(job))
}

// CreateRun запускает job. Run выполняется асинхронно.
// POST /api/v1/jobs/{id}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	runID, err := h.jobs.Start(r.Context(), jobID, req.CreatedBy, req.Params)
	if HandleError(w, h.logger, err) {
		return
	}

	h.logger.Info("run started via api",
		"run_id", runID,
		"job_id", jobID,
		"created_by", req.CreatedBy,
	)

	Accepted(w, CreateRunResponse{RunID: runID, JobID: jobID})
}

// ListSchedules возвращает расписания с временем следующего запуска.
// GET /api/v1/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if h.schedules == nil {
		List(w, h.catalog.Schedules, len(h.catalog.Schedules))
		return
	}
	schedules := h.schedules.Schedules()
	List(w, schedules, len(schedules))
}
