package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
)

// --- Request DTOs ---

// CreateRunRequest — запрос на запуск job.
type CreateRunRequest struct {
	CreatedBy string         `json:"created_by,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// CancelRunRequest — запрос на остановку run или отдельных шагов.
type CancelRunRequest struct {
	User    string   `json:"user,omitempty"`
	StepIDs []string `json:"step_ids,omitempty"`
}

// --- Response DTOs ---

// JobResponse — job каталога.
type JobResponse struct {
	ID               string                `json:"id"`
	Name             string                `json:"name,omitempty"`
	ExecutionMode    domain.ExecutionMode  `json:"execution_mode"`
	StopOnFirstError bool                  `json:"stop_on_first_error"`
	MaxParallelSteps int                   `json:"max_parallel_steps"`
	Parameters       []domain.JobParameter `json:"parameters,omitempty"`
	Steps            []StepResponse        `json:"steps"`
}

// StepResponse — шаг job.
type StepResponse struct {
	ID           string              `json:"id"`
	Kind         domain.StepKind     `json:"kind"`
	Phase        int                 `json:"phase"`
	Disabled     bool                `json:"disabled,omitempty"`
	Dependencies []domain.Dependency `json:"dependencies,omitempty"`
}

// JobFromDomain конвертирует domain.Job в JobResponse.
func JobFromDomain(job *domain.Job) JobResponse {
	steps := make([]StepResponse, len(job.Steps))
	for i, s := range job.Steps {
		steps[i] = StepResponse{
			ID:           s.ID,
			Kind:         s.Kind,
			Phase:        s.Phase,
			Disabled:     s.Disabled,
			Dependencies: s.Dependencies,
		}
	}
	return JobResponse{
		ID:               job.ID,
		Name:             job.Name,
		ExecutionMode:    job.Mode(),
		StopOnFirstError: job.StopOnFirstError,
		MaxParallelSteps: job.MaxParallelSteps,
		Parameters:       job.Parameters,
		Steps:            steps,
	}
}

// CreateRunResponse — ответ на запуск job.
type CreateRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
	JobID string    `json:"job_id"`
}

// RunResponse — run со статусами шагов.
type RunResponse struct {
	ID              uuid.UUID              `json:"id"`
	JobID           string                 `json:"job_id"`
	Status          domain.ExecutionStatus `json:"status"`
	CreatedBy       string                 `json:"created_by"`
	Error           string                 `json:"error,omitempty"`
	StoppedBy       string                 `json:"stopped_by,omitempty"`
	ParameterValues map[string]any         `json:"parameter_values,omitempty"`
	ParameterErrors map[string]string      `json:"parameter_errors,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	Steps           []StepRunResponse      `json:"steps"`
}

// StepRunResponse — состояние шага в run.
type StepRunResponse struct {
	StepID   string                     `json:"step_id"`
	Phase    int                        `json:"phase"`
	Status   domain.StepExecutionStatus `json:"status"`
	Attempts int                        `json:"attempts"`
	Error    string                     `json:"error,omitempty"`
	Warnings []string                   `json:"warnings,omitempty"`
	Monitors int                        `json:"monitors,omitempty"`
}

// RunFromDomain конвертирует domain.Execution в RunResponse.
func RunFromDomain(exec *domain.Execution) RunResponse {
	steps := exec.Steps()
	result := RunResponse{
		ID:              exec.ID,
		JobID:           exec.JobID,
		Status:          exec.Status,
		CreatedBy:       exec.CreatedBy,
		Error:           exec.Error,
		StoppedBy:       exec.StoppedBy,
		ParameterValues: exec.ParameterValues,
		ParameterErrors: exec.ParameterErrors,
		CreatedAt:       exec.CreatedAt,
		StartedAt:       exec.StartedAt,
		EndedAt:         exec.EndedAt,
		Steps:           make([]StepRunResponse, len(steps)),
	}
	for i, se := range steps {
		attempt := se.CurrentAttempt()
		result.Steps[i] = StepRunResponse{
			StepID:   se.Step.ID,
			Phase:    se.Step.Phase,
			Status:   attempt.Status,
			Attempts: len(se.Attempts),
			Error:    attempt.ErrorMessage,
			Warnings: attempt.WarningMessages,
			Monitors: len(se.Monitors),
		}
	}
	return result
}
