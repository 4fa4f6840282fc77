package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
	"github.com/shaiso/etlflow/internal/executor"
	"github.com/shaiso/etlflow/internal/telemetry"
)

// StepOrchestratorConfig — конфигурация StepOrchestrator.
type StepOrchestratorConfig struct {
	// Executors — executor'ы по типу шага.
	Executors *executor.Registry

	// Store — куда сохраняются переходы попыток.
	Store Store

	// RetryIntervalUnit — единица RetryIntervalMinutes (default: минута).
	RetryIntervalUnit time.Duration

	// TimeoutUnit — единица TimeoutMinutes (default: минута).
	TimeoutUnit time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// StepOrchestrator ведёт один шаг от запуска до финального статуса.
//
// Порядок:
//  1. Попытка → RUNNING.
//  2. Вычисление параметров шага (InheritFrom → Expression → Value).
//  3. Условие выполнения: false → SKIPPED.
//  4. Вызов executor'а; Failure с оставшимися retry → RETRY, новая попытка
//     AWAITING_RETRY, пауза, снова RUNNING.
//
// Ошибки хранилища логируются и не меняют исход шага.
type StepOrchestrator struct {
	executors   *executor.Registry
	store       Store
	retryUnit   time.Duration
	timeoutUnit time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// NewStepOrchestrator создаёт StepOrchestrator.
func NewStepOrchestrator(cfg StepOrchestratorConfig) *StepOrchestrator {
	retryUnit := cfg.RetryIntervalUnit
	if retryUnit <= 0 {
		retryUnit = time.Minute
	}

	timeoutUnit := cfg.TimeoutUnit
	if timeoutUnit <= 0 {
		timeoutUnit = time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	executors := cfg.Executors
	if executors == nil {
		executors = executor.NewRegistry()
	}

	return &StepOrchestrator{
		executors:   executors,
		store:       cfg.Store,
		retryUnit:   retryUnit,
		timeoutUnit: timeoutUnit,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// RunStep выполняет шаг и возвращает финальный статус его последней попытки.
func (s *StepOrchestrator) RunStep(ctx context.Context, exec *domain.Execution, se *domain.StepExecution, cancel *Cancellation) domain.StepExecutionStatus {
	logger := telemetry.StepLogger(s.logger, se.RunID.String(), se.Step.ID)
	persistCtx := context.WithoutCancel(ctx)
	attempt := se.CurrentAttempt()

	if cancel.Requested() {
		return s.finish(persistCtx, logger, se, attempt, domain.StepStatusStopped, "", cancel.StoppedBy())
	}

	attempt.MarkRunning()
	s.saveAttempt(persistCtx, logger, se, attempt)

	params, err := s.evaluateParameters(exec, se)
	if err != nil {
		return s.finish(persistCtx, logger, se, attempt, domain.StepStatusFailed, err.Error(), "")
	}
	if se.ParameterValues == nil {
		se.ParameterValues = make(map[string]any, len(params))
	}
	for k, v := range params {
		se.ParameterValues[k] = v
	}
	s.saveParameters(persistCtx, logger, se)

	run, err := s.evaluateCondition(exec, se)
	if err != nil {
		return s.finish(persistCtx, logger, se, attempt, domain.StepStatusFailed, err.Error(), "")
	}
	if !run {
		return s.finish(persistCtx, logger, se, attempt, domain.StepStatusSkipped,
			"execution condition evaluated to false", "")
	}

	exe, err := s.executors.Get(se.Step.Kind)
	if err != nil {
		return s.finish(persistCtx, logger, se, attempt, domain.StepStatusFailed, err.Error(), "")
	}

	for {
		logger.Info("executing step",
			"kind", se.Step.Kind,
			"attempt", attempt.RetryAttemptIndex,
		)

		result := s.execute(exec, se, attempt, exe, cancel)
		attempt.InfoMessages = append(attempt.InfoMessages, result.Info...)

		switch result.Outcome {
		case executor.OutcomeSuccess:
			for k, v := range result.Outputs {
				se.ParameterValues[k] = v
			}
			if len(result.Outputs) > 0 {
				s.saveParameters(persistCtx, logger, se)
			}
			if len(result.Warnings) > 0 {
				attempt.WarningMessages = append(attempt.WarningMessages, result.Warnings...)
				return s.finish(persistCtx, logger, se, attempt, domain.StepStatusWarning, "", "")
			}
			return s.finish(persistCtx, logger, se, attempt, domain.StepStatusSucceeded, "", "")

		case executor.OutcomeCancel:
			return s.finish(persistCtx, logger, se, attempt, domain.StepStatusStopped,
				errorMessage(result.Err), cancel.StoppedBy())
		}

		if cancel.Requested() {
			return s.finish(persistCtx, logger, se, attempt, domain.StepStatusStopped,
				errorMessage(result.Err), cancel.StoppedBy())
		}

		if attempt.RetryAttemptIndex >= se.Step.RetryAttempts {
			return s.finish(persistCtx, logger, se, attempt, domain.StepStatusFailed, errorMessage(result.Err), "")
		}

		attempt.MarkFinished(domain.StepStatusRetry, errorMessage(result.Err))
		s.saveAttempt(persistCtx, logger, se, attempt)
		s.metrics.StepRetry()

		attempt = se.AppendRetryAttempt()
		s.saveAttempt(persistCtx, logger, se, attempt)

		interval := se.Step.RetryInterval(s.retryUnit)
		logger.Warn("step failed, retrying",
			"error", result.Err,
			"next_attempt", attempt.RetryAttemptIndex,
			"interval", interval,
		)

		if !sleep(cancel.Context(), interval) {
			return s.finish(persistCtx, logger, se, attempt, domain.StepStatusStopped, "", cancel.StoppedBy())
		}

		attempt.MarkRunning()
		s.saveAttempt(persistCtx, logger, se, attempt)
	}
}

// execute вызывает executor с таймаутом шага.
// Истёкший таймаут — это Failure, а не Cancel.
func (s *StepOrchestrator) execute(exec *domain.Execution, se *domain.StepExecution, attempt *domain.StepExecutionAttempt,
	exe executor.StepExecutor, cancel *Cancellation) executor.Result {
	ctx := cancel.Context()
	var timeout time.Duration
	if se.Step.TimeoutMinutes > 0 {
		timeout = time.Duration(se.Step.TimeoutMinutes) * s.timeoutUnit
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, timeout)
		defer stop()
	}

	req := &executor.Request{
		RunID:     se.RunID,
		JobID:     se.JobID,
		CreatedBy: exec.CreatedBy,
		Step:      se.Step,
		Attempt:   attempt.RetryAttemptIndex,
		Params:    se.ParameterValues,
		Bindings:  engine.NewBindings(exec.ParameterValues, se.ParameterValues, runInfo(exec)),
	}
	if r, ok := exec.Resources[se.Step.ResourceID]; ok {
		req.Resource = &r
	}

	result := s.invoke(ctx, exe, req)

	if timeout > 0 && !cancel.Requested() && errors.Is(ctx.Err(), context.DeadlineExceeded) && result.Outcome != executor.OutcomeSuccess {
		return executor.Failed(fmt.Errorf("step timed out after %s", timeout))
	}
	return result
}

// invoke вызывает executor. Паника executor'а становится обычной Failure
// и расходует попытки так же, как возвращённая ошибка.
func (s *StepOrchestrator) invoke(ctx context.Context, exe executor.StepExecutor, req *executor.Request) (result executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("step executor panicked",
				"run_id", req.RunID,
				"step_id", req.Step.ID,
				"attempt", req.Attempt,
				"panic", r,
			)
			result = executor.Failed(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return exe.Execute(ctx, req)
}

// evaluateParameters вычисляет параметры шага по порядку объявления.
// Более ранние параметры видны выражениям более поздних как .Params.
func (s *StepOrchestrator) evaluateParameters(exec *domain.Execution, se *domain.StepExecution) (map[string]any, error) {
	values := make(map[string]any, len(se.Step.Parameters))

	for _, p := range se.Step.Parameters {
		switch {
		case p.InheritFrom != "":
			if msg, failed := exec.ParameterErrors[p.InheritFrom]; failed {
				return nil, fmt.Errorf("%w: step parameter %s inherits job parameter %s: %s",
					ErrParameterEvaluation, p.Name, p.InheritFrom, msg)
			}
			v, ok := exec.ParameterValues[p.InheritFrom]
			if !ok {
				return nil, fmt.Errorf("%w: step parameter %s inherits unknown job parameter %s",
					ErrParameterEvaluation, p.Name, p.InheritFrom)
			}
			values[p.Name] = v

		case p.Expression != "":
			if err := checkJobReferences(exec, p.Expression); err != nil {
				return nil, fmt.Errorf("step parameter %s: %w", p.Name, err)
			}
			v, err := engine.Evaluate(p.Expression, engine.NewBindings(exec.ParameterValues, values, runInfo(exec)))
			if err != nil {
				return nil, fmt.Errorf("%w: step parameter %s: %v", ErrParameterEvaluation, p.Name, err)
			}
			values[p.Name] = v

		default:
			values[p.Name] = p.Value
		}
	}

	return values, nil
}

// evaluateCondition вычисляет условие выполнения шага.
func (s *StepOrchestrator) evaluateCondition(exec *domain.Execution, se *domain.StepExecution) (bool, error) {
	cond := se.Step.ExecutionCondition
	if cond == "" {
		return true, nil
	}
	if err := checkJobReferences(exec, cond); err != nil {
		return false, fmt.Errorf("execution condition: %w", err)
	}

	ok, err := engine.EvaluateCondition(cond, engine.NewBindings(exec.ParameterValues, se.ParameterValues, runInfo(exec)))
	if err != nil {
		return false, fmt.Errorf("%w: execution condition: %v", ErrParameterEvaluation, err)
	}
	return ok, nil
}

// checkJobReferences проверяет, что выражение не ссылается на параметры job,
// которые не удалось вычислить.
func checkJobReferences(exec *domain.Execution, expr string) error {
	jobRefs, _, err := engine.References(expr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParameterEvaluation, err)
	}
	for _, name := range jobRefs {
		if msg, failed := exec.ParameterErrors[name]; failed {
			return fmt.Errorf("%w: job parameter %s: %s", ErrParameterEvaluation, name, msg)
		}
	}
	return nil
}

// finish переводит попытку в финальный статус и сохраняет её.
func (s *StepOrchestrator) finish(ctx context.Context, logger *slog.Logger, se *domain.StepExecution,
	attempt *domain.StepExecutionAttempt, status domain.StepExecutionStatus, msg, stoppedBy string) domain.StepExecutionStatus {
	attempt.MarkFinished(status, msg)
	if stoppedBy != "" {
		attempt.StoppedBy = stoppedBy
	}
	s.saveAttempt(ctx, logger, se, attempt)

	switch status {
	case domain.StepStatusFailed:
		logger.Error("step failed",
			"attempt", attempt.RetryAttemptIndex,
			"error", msg,
		)
	case domain.StepStatusStopped:
		logger.Info("step stopped", "stopped_by", attempt.StoppedBy)
	default:
		logger.Info("step finished",
			"status", status,
			"duration", attempt.Duration(),
		)
	}
	return status
}

func (s *StepOrchestrator) saveAttempt(ctx context.Context, logger *slog.Logger, se *domain.StepExecution, attempt *domain.StepExecutionAttempt) {
	s.metrics.StepTransition(string(attempt.Status))
	if s.store == nil {
		return
	}
	if err := s.store.SaveAttemptTransition(ctx, se, attempt); err != nil {
		logger.Error("failed to save step attempt",
			"attempt", attempt.RetryAttemptIndex,
			"status", attempt.Status,
			"error", err,
		)
	}
}

func (s *StepOrchestrator) saveParameters(ctx context.Context, logger *slog.Logger, se *domain.StepExecution) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveStepParameters(ctx, se); err != nil {
		logger.Error("failed to save step parameters", "error", err)
	}
}

// runInfo возвращает атрибуты run для выражений.
func runInfo(exec *domain.Execution) engine.RunInfo {
	info := engine.RunInfo{
		ID:        exec.ID.String(),
		JobID:     exec.JobID,
		JobName:   exec.JobName,
		CreatedBy: exec.CreatedBy,
	}
	if exec.StartedAt != nil {
		info.StartedAt = *exec.StartedAt
	}
	return info
}

// sleep ждёт d или отмены ctx. Возвращает false, если ctx отменён.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
