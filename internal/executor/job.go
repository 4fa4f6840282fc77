package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
)

// Launcher запускает jobs. Реализуется orchestrator.JobExecutor.
type Launcher interface {
	// Start создаёт run и запускает его асинхронно.
	Start(ctx context.Context, jobID, createdBy string, params map[string]any) (uuid.UUID, error)

	// StartAndWait создаёт run и ждёт его завершения.
	StartAndWait(ctx context.Context, jobID, createdBy string, params map[string]any) (*domain.Execution, error)
}

// JobStepExecutor — executor для шага типа "job": запускает другой job.
//
// Synchronized=true — ждёт завершения дочернего run и наследует его результат:
// SUCCEEDED → Success, WARNING → Success с предупреждением,
// STOPPED → Cancel, остальное → Failure.
// Отмена шага отменяет и дочерний run.
type JobStepExecutor struct {
	Launcher Launcher
}

// Execute запускает дочерний job.
func (e *JobStepExecutor) Execute(ctx context.Context, req *Request) Result {
	jobStep := req.Step.Job
	if jobStep == nil {
		return Failed(fmt.Errorf("%w: missing job payload", ErrChildJobFailed))
	}
	if e.Launcher == nil {
		return Failed(ErrNoLauncher)
	}

	createdBy := fmt.Sprintf("job:%s/run:%s/step:%s", req.JobID, req.RunID, req.Step.ID)

	if !jobStep.Synchronized {
		childID, err := e.Launcher.Start(ctx, jobStep.JobID, createdBy, req.Params)
		if err != nil {
			return FromError(ctx, err)
		}
		return Succeeded(map[string]any{"child_run_id": childID.String()})
	}

	child, err := e.Launcher.StartAndWait(ctx, jobStep.JobID, createdBy, req.Params)
	if err != nil {
		return FromError(ctx, err)
	}

	outputs := map[string]any{
		"child_run_id": child.ID.String(),
		"status":       string(child.Status),
	}

	switch child.Status {
	case domain.ExecutionStatusSucceeded:
		return Succeeded(outputs)
	case domain.ExecutionStatusWarning:
		result := Succeeded(outputs)
		result.Warnings = []string{fmt.Sprintf("child run %s finished with warnings", child.ID)}
		return result
	case domain.ExecutionStatusStopped:
		return Result{Outcome: OutcomeCancel, Outputs: outputs,
			Err: fmt.Errorf("child run %s stopped by %s", child.ID, child.StoppedBy)}
	default:
		return Result{Outcome: OutcomeFailure, Outputs: outputs,
			Err: fmt.Errorf("%w: run %s finished %s: %s", ErrChildJobFailed, child.ID, child.Status, child.Error)}
	}
}
