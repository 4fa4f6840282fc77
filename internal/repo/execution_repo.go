package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/etlflow/internal/domain"
)

// ExecutionRepo — хранилище runs в PostgreSQL.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// executionSettings — снимок настроек job на момент запуска (колонка settings).
type executionSettings struct {
	ExecutionMode                    domain.ExecutionMode         `json:"execution_mode"`
	StopOnFirstError                 bool                         `json:"stop_on_first_error"`
	MaxParallelSteps                 int                          `json:"max_parallel_steps"`
	OvertimeNotificationLimitMinutes int                          `json:"overtime_notification_limit_minutes"`
	Parameters                       []domain.JobParameter        `json:"parameters,omitempty"`
	Resources                        map[string]domain.Resource   `json:"resources,omitempty"`
	DataObjects                      map[string]domain.DataObject `json:"data_objects,omitempty"`
}

// CreateExecution сохраняет run, его шаги и первые попытки в одной транзакции.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	settings, err := json.Marshal(executionSettings{
		ExecutionMode:                    exec.ExecutionMode,
		StopOnFirstError:                 exec.StopOnFirstError,
		MaxParallelSteps:                 exec.MaxParallelSteps,
		OvertimeNotificationLimitMinutes: exec.OvertimeNotificationLimitMinutes,
		Parameters:                       exec.Parameters,
		Resources:                        exec.Resources,
		DataObjects:                      exec.DataObjects,
	})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (id, job_id, job_name, status, created_by, settings, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			exec.ID,
			exec.JobID,
			exec.JobName,
			exec.Status,
			exec.CreatedBy,
			settings,
			exec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}

		batch := &pgx.Batch{}
		for _, se := range exec.Steps() {
			step, err := json.Marshal(se.Step)
			if err != nil {
				return fmt.Errorf("marshal step %s: %w", se.Step.ID, err)
			}
			batch.Queue(`
				INSERT INTO step_executions (run_id, step_id, job_id, step)
				VALUES ($1, $2, $3, $4)
			`, se.RunID, se.Step.ID, se.JobID, step)

			for _, a := range se.Attempts {
				queueAttempt(batch, se, a)
			}
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert steps: %w", err)
		}
		return nil
	})

	if err != nil {
		return translate(err, "execution "+exec.ID.String())
	}
	return nil
}

// ClaimExecution переводит run в RUNNING одним UPDATE с условием на NOT_STARTED,
// поэтому из нескольких движков run получает ровно один.
func (r *ExecutionRepo) ClaimExecution(ctx context.Context, runID uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, started_at = now()
		WHERE id = $1 AND status = $3
	`, runID, domain.ExecutionStatusRunning, domain.ExecutionStatusNotStarted)
	if err != nil {
		return false, translate(err, "claim execution "+runID.String())
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return false, translate(err, "claim execution "+runID.String())
	}
	if !exists {
		return false, fmt.Errorf("execution %s: %w", runID, ErrNotFound)
	}
	return false, nil
}

// LookupExecution загружает run со всеми шагами, попытками и записями мониторинга.
func (r *ExecutionRepo) LookupExecution(ctx context.Context, runID uuid.UUID) (*domain.Execution, bool, error) {
	exec, err := r.scanExecution(r.pool.QueryRow(ctx, `
		SELECT id, job_id, job_name, status, created_by, settings, parameter_values, parameter_errors,
		       error, stopped_by, created_at, started_at, ended_at
		FROM executions
		WHERE id = $1
	`, runID))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := r.loadSteps(ctx, exec); err != nil {
		return nil, false, err
	}
	if err := r.loadAttempts(ctx, exec); err != nil {
		return nil, false, err
	}
	if err := r.loadMonitors(ctx, exec); err != nil {
		return nil, false, err
	}
	return exec, true, nil
}

// SaveAttemptTransition сохраняет попытку (insert или update).
func (r *ExecutionRepo) SaveAttemptTransition(ctx context.Context, se *domain.StepExecution, attempt *domain.StepExecutionAttempt) error {
	batch := &pgx.Batch{}
	queueAttempt(batch, se, attempt)
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save attempt %s/%d: %w", se.Step.ID, attempt.RetryAttemptIndex, err)
	}
	return nil
}

// SaveStepParameters сохраняет параметры шага.
func (r *ExecutionRepo) SaveStepParameters(ctx context.Context, se *domain.StepExecution) error {
	params, err := json.Marshal(se.ParameterValues)
	if err != nil {
		return fmt.Errorf("marshal step parameters: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE step_executions SET parameter_values = $3
		WHERE run_id = $1 AND step_id = $2
	`, se.RunID, se.Step.ID, params)
	if err != nil {
		return fmt.Errorf("update step parameters: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMonitors сохраняет записи мониторинга шага (существующие не дублируются).
func (r *ExecutionRepo) SaveMonitors(ctx context.Context, se *domain.StepExecution) error {
	if len(se.Monitors) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range se.Monitors {
		batch.Queue(`
			INSERT INTO step_execution_monitors
				(run_id, step_id, monitored_run_id, monitored_step_id, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING
		`, m.RunID, m.StepID, m.MonitoredRunID, m.MonitoredStepID, m.Reason, m.CreatedAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save monitors: %w", err)
	}
	return nil
}

// SaveRunStatus сохраняет статус run, параметры job и ошибку.
func (r *ExecutionRepo) SaveRunStatus(ctx context.Context, exec *domain.Execution) error {
	values, err := json.Marshal(exec.ParameterValues)
	if err != nil {
		return fmt.Errorf("marshal parameter values: %w", err)
	}
	errs, err := json.Marshal(exec.ParameterErrors)
	if err != nil {
		return fmt.Errorf("marshal parameter errors: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, parameter_values = $3, parameter_errors = $4, error = $5,
		    stopped_by = $6, started_at = $7, ended_at = $8
		WHERE id = $1
	`,
		exec.ID,
		exec.Status,
		values,
		errs,
		nullString(exec.Error),
		nullString(exec.StoppedBy),
		exec.StartedAt,
		exec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending возвращает ID runs в статусе NOT_STARTED, старые первыми.
func (r *ExecutionRepo) ListPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM executions
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, domain.ExecutionStatusNotStarted, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending executions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan pending executions: %w", err)
	}
	return ids, nil
}

// --- Helpers ---

// decodeMessages разбирает JSON-массив сообщений попытки. NULL даёт nil.
func decodeMessages(raw []byte) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var msgs []string
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// queueAttempt добавляет upsert попытки в batch.
func queueAttempt(batch *pgx.Batch, se *domain.StepExecution, a *domain.StepExecutionAttempt) {
	warnings, _ := json.Marshal(a.WarningMessages)
	info, _ := json.Marshal(a.InfoMessages)

	batch.Queue(`
		INSERT INTO step_execution_attempts
			(run_id, step_id, retry_attempt_index, status, started_at, ended_at,
			 error_message, warning_messages, info_messages, stopped_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, step_id, retry_attempt_index) DO UPDATE
		SET status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    error_message = EXCLUDED.error_message,
		    warning_messages = EXCLUDED.warning_messages,
		    info_messages = EXCLUDED.info_messages,
		    stopped_by = EXCLUDED.stopped_by
	`,
		se.RunID,
		se.Step.ID,
		a.RetryAttemptIndex,
		a.Status,
		a.StartedAt,
		a.EndedAt,
		nullString(a.ErrorMessage),
		warnings,
		info,
		nullString(a.StoppedBy),
	)
}

// scanExecution сканирует строку executions.
func (r *ExecutionRepo) scanExecution(row pgx.Row) (*domain.Execution, error) {
	var exec domain.Execution
	var settingsJSON, valuesJSON, errorsJSON []byte
	var runError, stoppedBy *string

	err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&exec.JobName,
		&exec.Status,
		&exec.CreatedBy,
		&settingsJSON,
		&valuesJSON,
		&errorsJSON,
		&runError,
		&stoppedBy,
		&exec.CreatedAt,
		&exec.StartedAt,
		&exec.EndedAt,
	)
	if err != nil {
		return nil, translate(err, "scan execution")
	}

	var settings executionSettings
	if err := json.Unmarshal(settingsJSON, &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	exec.ExecutionMode = settings.ExecutionMode
	exec.StopOnFirstError = settings.StopOnFirstError
	exec.MaxParallelSteps = settings.MaxParallelSteps
	exec.OvertimeNotificationLimitMinutes = settings.OvertimeNotificationLimitMinutes
	exec.Parameters = settings.Parameters
	exec.Resources = settings.Resources
	exec.DataObjects = settings.DataObjects

	exec.ParameterValues = make(map[string]any)
	if valuesJSON != nil {
		if err := json.Unmarshal(valuesJSON, &exec.ParameterValues); err != nil {
			return nil, fmt.Errorf("unmarshal parameter values: %w", err)
		}
	}
	exec.ParameterErrors = make(map[string]string)
	if errorsJSON != nil {
		if err := json.Unmarshal(errorsJSON, &exec.ParameterErrors); err != nil {
			return nil, fmt.Errorf("unmarshal parameter errors: %w", err)
		}
	}

	exec.Error = derefString(runError)
	exec.StoppedBy = derefString(stoppedBy)
	exec.StepExecutions = make(map[string]*domain.StepExecution)
	return &exec, nil
}

func (r *ExecutionRepo) loadSteps(ctx context.Context, exec *domain.Execution) error {
	rows, err := r.pool.Query(ctx, `
		SELECT step_id, job_id, step, parameter_values
		FROM step_executions
		WHERE run_id = $1
	`, exec.ID)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stepID, jobID string
		var stepJSON, valuesJSON []byte
		if err := rows.Scan(&stepID, &jobID, &stepJSON, &valuesJSON); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}

		se := &domain.StepExecution{
			RunID:           exec.ID,
			JobID:           jobID,
			ParameterValues: make(map[string]any),
		}
		if err := json.Unmarshal(stepJSON, &se.Step); err != nil {
			return fmt.Errorf("unmarshal step %s: %w", stepID, err)
		}
		if valuesJSON != nil {
			if err := json.Unmarshal(valuesJSON, &se.ParameterValues); err != nil {
				return fmt.Errorf("unmarshal step %s parameters: %w", stepID, err)
			}
		}
		exec.StepExecutions[stepID] = se
	}
	return rows.Err()
}

func (r *ExecutionRepo) loadAttempts(ctx context.Context, exec *domain.Execution) error {
	rows, err := r.pool.Query(ctx, `
		SELECT step_id, retry_attempt_index, status, started_at, ended_at,
		       error_message, warning_messages, info_messages, stopped_by
		FROM step_execution_attempts
		WHERE run_id = $1
		ORDER BY step_id, retry_attempt_index
	`, exec.ID)
	if err != nil {
		return fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stepID string
		var a domain.StepExecutionAttempt
		var errMsg, stoppedBy *string
		var warnings, info []byte

		err := rows.Scan(&stepID, &a.RetryAttemptIndex, &a.Status, &a.StartedAt, &a.EndedAt,
			&errMsg, &warnings, &info, &stoppedBy)
		if err != nil {
			return fmt.Errorf("scan attempt: %w", err)
		}
		a.ErrorMessage = derefString(errMsg)
		a.StoppedBy = derefString(stoppedBy)
		if a.WarningMessages, err = decodeMessages(warnings); err != nil {
			return fmt.Errorf("unmarshal warnings of %s attempt %d: %w", stepID, a.RetryAttemptIndex, err)
		}
		if a.InfoMessages, err = decodeMessages(info); err != nil {
			return fmt.Errorf("unmarshal info of %s attempt %d: %w", stepID, a.RetryAttemptIndex, err)
		}

		se, ok := exec.StepExecutions[stepID]
		if !ok {
			return fmt.Errorf("attempt for unknown step %s: %w", stepID, ErrInvalidState)
		}
		se.Attempts = append(se.Attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for id, se := range exec.StepExecutions {
		if len(se.Attempts) == 0 {
			return fmt.Errorf("step %s has no attempts: %w", id, ErrInvalidState)
		}
	}
	return nil
}

func (r *ExecutionRepo) loadMonitors(ctx context.Context, exec *domain.Execution) error {
	rows, err := r.pool.Query(ctx, `
		SELECT step_id, monitored_run_id, monitored_step_id, reason, created_at
		FROM step_execution_monitors
		WHERE run_id = $1
		ORDER BY created_at
	`, exec.ID)
	if err != nil {
		return fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := domain.StepExecutionMonitor{RunID: exec.ID}
		if err := rows.Scan(&m.StepID, &m.MonitoredRunID, &m.MonitoredStepID, &m.Reason, &m.CreatedAt); err != nil {
			return fmt.Errorf("scan monitor: %w", err)
		}
		if se, ok := exec.StepExecutions[m.StepID]; ok {
			se.Monitors = append(se.Monitors, m)
		}
	}
	return rows.Err()
}
