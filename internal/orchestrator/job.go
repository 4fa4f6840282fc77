package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
	"github.com/shaiso/etlflow/internal/executor"
	"github.com/shaiso/etlflow/internal/telemetry"
)

var (
	_ executor.Launcher     = (*JobExecutor)(nil)
	_ StepExecutionListener = (*JobExecutor)(nil)
	_ StepRunner            = (*StepOrchestrator)(nil)
)

// JobExecutorConfig — конфигурация JobExecutor.
type JobExecutorConfig struct {
	// Global — оркестратор процесса.
	Global *Global

	// Store — хранилище runs.
	Store Store

	// Notifier — уведомления о долгих и завершённых runs (опционально).
	Notifier Notifier

	// Catalog — каталог jobs: нужен для Start и проверки циклов между jobs.
	Catalog *domain.Catalog

	// OvertimeUnit — единица OvertimeNotificationLimitMinutes (default: минута).
	OvertimeUnit time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// JobExecutor выполняет run целиком.
//
// Проверяет циклы, вычисляет параметры job, регистрирует шаги в Global,
// следит за превышением времени и вычисляет итоговый статус run.
// Реализует StepExecutionListener (сохранение шагов) и executor.Launcher
// (шаги типа job).
type JobExecutor struct {
	global       *Global
	store        Store
	notifier     Notifier
	catalog      *domain.Catalog
	overtimeUnit time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics

	// active — runs, выполняющиеся в этом процессе (runID → токены отмены).
	active map[uuid.UUID]*activeRun
	mu     sync.Mutex

	wg sync.WaitGroup
}

// activeRun — токены отмены run и его шагов.
type activeRun struct {
	cancel *Cancellation
	steps  map[string]*Cancellation
}

// NewJobExecutor создаёт JobExecutor.
func NewJobExecutor(cfg JobExecutorConfig) *JobExecutor {
	overtimeUnit := cfg.OvertimeUnit
	if overtimeUnit <= 0 {
		overtimeUnit = time.Minute
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobExecutor{
		global:       cfg.Global,
		store:        cfg.Store,
		notifier:     notifier,
		catalog:      cfg.Catalog,
		overtimeUnit: overtimeUnit,
		logger:       logger,
		metrics:      cfg.Metrics,
		active:       make(map[uuid.UUID]*activeRun),
	}
}

// Run загружает run из хранилища и выполняет его до финального статуса.
func (j *JobExecutor) Run(ctx context.Context, runID uuid.UUID) error {
	exec, found, err := j.store.LookupExecution(ctx, runID)
	if err != nil {
		return fmt.Errorf("lookup run %s: %w", runID, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	switch {
	case exec.Status.IsTerminal():
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, exec.Status)
	case exec.Status != domain.ExecutionStatusNotStarted:
		return fmt.Errorf("%w: %s is %s", ErrRunAlreadyActive, runID, exec.Status)
	}
	return j.execute(ctx, exec)
}

// Start создаёт run job'а и запускает его в фоне.
//
// Run не привязан к отмене ctx: остановить его можно через Cancel.
func (j *JobExecutor) Start(ctx context.Context, jobID, createdBy string, params map[string]any) (uuid.UUID, error) {
	exec, err := j.create(ctx, jobID, createdBy, params)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if err := j.execute(runCtx, exec); err != nil {
			j.logger.Error("run failed",
				"run_id", exec.ID,
				"job_id", exec.JobID,
				"error", err,
			)
		}
	}()

	return exec.ID, nil
}

// StartAndWait создаёт run job'а и ждёт его завершения.
// Отмена ctx останавливает run.
func (j *JobExecutor) StartAndWait(ctx context.Context, jobID, createdBy string, params map[string]any) (*domain.Execution, error) {
	exec, err := j.create(ctx, jobID, createdBy, params)
	if err != nil {
		return nil, err
	}
	if err := j.execute(ctx, exec); err != nil && !errors.Is(err, ErrDependencyCycle) && !errors.Is(err, ErrPhaseOrder) {
		return exec, err
	}
	return exec, nil
}

// Cancel останавливает run целиком или только указанные шаги.
//
// Шаги, которые ещё не запускались, завершаются STOPPED без запуска;
// выполняющиеся получают отмену контекста.
func (j *JobExecutor) Cancel(runID uuid.UUID, user string, stepIDs ...string) error {
	j.mu.Lock()
	run, ok := j.active[runID]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}

	if len(stepIDs) == 0 {
		run.cancel.Stop(user)
	} else {
		tokens := make([]*Cancellation, 0, len(stepIDs))
		for _, id := range stepIDs {
			c, ok := run.steps[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrStepNotFound, id)
			}
			tokens = append(tokens, c)
		}
		for _, c := range tokens {
			c.Stop(user)
		}
	}

	j.logger.Info("run stop requested",
		"run_id", runID,
		"user", user,
		"steps", stepIDs,
	)
	j.global.Wake(runID)
	return nil
}

// ActiveRuns возвращает ID runs, выполняющихся в этом процессе.
func (j *JobExecutor) ActiveRuns() []uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(j.active))
	for id := range j.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a].String() < ids[b].String() })
	return ids
}

// Wait ждёт завершения runs, запущенных через Start.
func (j *JobExecutor) Wait() {
	j.wg.Wait()
}

// create создаёт run по каталогу и сохраняет его.
func (j *JobExecutor) create(ctx context.Context, jobID, createdBy string, params map[string]any) (*domain.Execution, error) {
	if j.catalog == nil {
		return nil, fmt.Errorf("%w: %s (no catalog)", ErrJobNotFound, jobID)
	}
	job, ok := j.catalog.FindJob(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	exec := domain.NewExecution(job, j.catalog.ResourceMap(), j.catalog.DataObjectMap(), createdBy, params)
	if err := j.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	j.logger.Info("run created",
		"run_id", exec.ID,
		"job_id", exec.JobID,
		"created_by", createdBy,
	)
	return exec, nil
}

// execute выполняет run.
func (j *JobExecutor) execute(ctx context.Context, exec *domain.Execution) error {
	runCancel := NewCancellation(ctx)
	run := &activeRun{cancel: runCancel, steps: make(map[string]*Cancellation, len(exec.StepExecutions))}
	for id := range exec.StepExecutions {
		run.steps[id] = runCancel.Child()
	}

	if err := j.addActive(exec.ID, run); err != nil {
		runCancel.release()
		return err
	}
	defer func() {
		j.removeActive(exec.ID)
		runCancel.release()
	}()

	// Снимок run мог устареть: выполнять его вправе только тот, кто перевёл его в RUNNING.
	claimed, err := j.store.ClaimExecution(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", exec.ID, err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s claimed by another executor", ErrRunAlreadyActive, exec.ID)
	}

	logger := telemetry.RunLogger(j.logger, exec.ID.String(), exec.JobID)
	persistCtx := context.WithoutCancel(ctx)

	exec.MarkRunning()
	j.saveRunStatus(persistCtx, logger, exec)
	logger.Info("run started",
		"steps", len(exec.StepExecutions),
		"mode", exec.ExecutionMode,
	)

	if reason, err := j.checkGraph(exec); err != nil {
		msg := err.Error()
		for _, se := range exec.Steps() {
			attempt := se.CurrentAttempt()
			attempt.MarkFinished(domain.StepStatusFailed, msg)
			if err := j.store.SaveAttemptTransition(persistCtx, se, attempt); err != nil {
				logger.Error("failed to save step attempt", "step_id", se.Step.ID, "error", err)
			}
		}
		j.finish(persistCtx, logger, exec, domain.ExecutionStatusFailed, msg, "")
		return fmt.Errorf("%w: %w", reason, err)
	}

	j.evaluateJobParameters(exec)
	if len(exec.ParameterErrors) > 0 {
		logger.Warn("job parameters failed to evaluate", "errors", exec.ParameterErrors)
	}
	j.saveRunStatus(persistCtx, logger, exec)

	steps := exec.Steps()
	observers := make([]*Observer, 0, len(steps))
	for _, se := range steps {
		observers = append(observers, NewObserver(exec, se, run.steps[se.Step.ID]))
	}

	done := make(chan error, 1)
	go func() {
		done <- j.global.RegisterStepsAndObservers(ctx, observers, j)
	}()

	var overtime <-chan time.Time
	if exec.OvertimeNotificationLimitMinutes > 0 {
		limit := time.Duration(exec.OvertimeNotificationLimitMinutes) * j.overtimeUnit
		timer := time.NewTimer(limit)
		defer timer.Stop()
		overtime = timer.C
	}

	var regErr error
	for waiting := true; waiting; {
		select {
		case regErr = <-done:
			waiting = false
		case <-overtime:
			overtime = nil
			logger.Warn("run exceeded overtime limit",
				"limit_minutes", exec.OvertimeNotificationLimitMinutes,
			)
			j.metrics.LongRunning()
			if err := j.notifier.NotifyLongRunning(persistCtx, exec); err != nil {
				logger.Error("failed to send long running notification", "error", err)
			}
		}
	}

	if regErr != nil {
		j.finish(persistCtx, logger, exec, domain.ExecutionStatusFailed, regErr.Error(), "")
		return regErr
	}

	status := exec.AggregateStatus()
	var stoppedBy string
	if status == domain.ExecutionStatusStopped {
		stoppedBy = runCancel.StoppedBy()
		if stoppedBy == "" {
			stoppedBy = firstStoppedBy(steps)
		}
	}
	j.finish(persistCtx, logger, exec, status, "", stoppedBy)
	return nil
}

// checkGraph ищет циклы между шагами run и между jobs каталога, затрагивающие этот job,
// а в режиме hybrid ещё и зависимости на более позднюю фазу. reason — сентинел для вызывающего.
func (j *JobExecutor) checkGraph(exec *domain.Execution) (reason, err error) {
	if j.catalog != nil {
		cycles := engine.CyclesTouching(engine.FindCycles(engine.JobGraph(j.catalog.Jobs)), exec.JobID)
		if len(cycles) > 0 {
			return ErrDependencyCycle, &engine.CycleError{Scope: "job", Cycles: cycles}
		}
	}

	steps := exec.Steps()
	defs := make([]domain.Step, 0, len(steps))
	for _, se := range steps {
		defs = append(defs, se.Step)
	}
	if cycles := engine.FindCycles(engine.StepGraph(defs)); len(cycles) > 0 {
		return ErrDependencyCycle, &engine.CycleError{Scope: "step", Cycles: cycles}
	}
	if exec.ExecutionMode == domain.ExecutionModeHybrid {
		if perr := engine.CheckPhaseOrder(exec.JobID, defs); perr != nil {
			return ErrPhaseOrder, perr
		}
	}
	return nil, nil
}

// evaluateJobParameters вычисляет параметры job.
//
// Сначала собираются статические значения, затем по порядку вычисляются
// выражения: каждое видит статические значения и уже вычисленные выражения.
// Ошибка одного параметра не останавливает run: она попадает в ParameterErrors
// и проявится только в шагах, которые на него ссылаются.
func (j *JobExecutor) evaluateJobParameters(exec *domain.Execution) {
	if exec.ParameterValues == nil {
		exec.ParameterValues = make(map[string]any)
	}
	if exec.ParameterErrors == nil {
		exec.ParameterErrors = make(map[string]string)
	}

	for _, p := range exec.Parameters {
		if p.Expression == "" {
			exec.ParameterValues[p.Name] = p.Value
		}
	}

	for _, p := range exec.Parameters {
		if p.Expression == "" {
			continue
		}

		jobRefs, _, err := engine.References(p.Expression)
		if err == nil {
			for _, ref := range jobRefs {
				if msg, failed := exec.ParameterErrors[ref]; failed {
					err = fmt.Errorf("depends on failed parameter %s: %s", ref, msg)
					break
				}
			}
		}

		var value any
		if err == nil {
			value, err = engine.Evaluate(p.Expression, engine.NewBindings(exec.ParameterValues, nil, runInfo(exec)))
		}
		if err != nil {
			exec.ParameterErrors[p.Name] = err.Error()
			delete(exec.ParameterValues, p.Name)
			continue
		}
		exec.ParameterValues[p.Name] = value
	}
}

// finish переводит run в финальный статус, сохраняет и уведомляет.
func (j *JobExecutor) finish(ctx context.Context, logger *slog.Logger, exec *domain.Execution,
	status domain.ExecutionStatus, errMsg, stoppedBy string) {
	exec.StoppedBy = stoppedBy
	exec.MarkFinished(status, errMsg)
	j.saveRunStatus(ctx, logger, exec)

	if err := j.notifier.NotifyCompletion(ctx, exec); err != nil {
		logger.Error("failed to send completion notification", "error", err)
	}
	j.metrics.RunFinished(string(status), exec.Duration())

	logger.Info("run finished",
		"status", status,
		"duration", exec.Duration(),
		"stopped_by", stoppedBy,
	)
}

func (j *JobExecutor) saveRunStatus(ctx context.Context, logger *slog.Logger, exec *domain.Execution) {
	if err := j.store.SaveRunStatus(ctx, exec); err != nil {
		logger.Error("failed to save run status",
			"status", exec.Status,
			"error", err,
		)
	}
}

// OnPreExecute сохраняет попытку в QUEUED и записи мониторинга.
func (j *JobExecutor) OnPreExecute(ctx context.Context, exec *domain.Execution, se *domain.StepExecution) {
	logger := telemetry.StepLogger(j.logger, se.RunID.String(), se.Step.ID)

	if err := j.store.SaveAttemptTransition(ctx, se, se.CurrentAttempt()); err != nil {
		logger.Error("failed to save queued attempt", "error", err)
	}
	if len(se.Monitors) > 0 {
		if err := j.store.SaveMonitors(ctx, se); err != nil {
			logger.Error("failed to save monitors", "error", err)
		}
	}
}

// OnPostExecute сохраняет шаг, который не запускался, и публикует финальный статус.
func (j *JobExecutor) OnPostExecute(ctx context.Context, exec *domain.Execution, se *domain.StepExecution) {
	logger := telemetry.StepLogger(j.logger, se.RunID.String(), se.Step.ID)
	attempt := se.CurrentAttempt()

	// Запущенные шаги сохраняет StepOrchestrator.
	if attempt.StartedAt == nil {
		if err := j.store.SaveAttemptTransition(ctx, se, attempt); err != nil {
			logger.Error("failed to save step attempt", "error", err)
		}
		if len(se.Monitors) > 0 {
			if err := j.store.SaveMonitors(ctx, se); err != nil {
				logger.Error("failed to save monitors", "error", err)
			}
		}
	}

	if p, ok := j.notifier.(StepStatusPublisher); ok {
		if err := p.PublishStepStatus(ctx, se); err != nil {
			logger.Error("failed to publish step status", "error", err)
		}
	}
}

func (j *JobExecutor) addActive(runID uuid.UUID, run *activeRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.active[runID]; exists {
		return fmt.Errorf("%w: %s", ErrRunAlreadyActive, runID)
	}
	j.active[runID] = run
	return nil
}

func (j *JobExecutor) removeActive(runID uuid.UUID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.active, runID)
}

// firstStoppedBy возвращает первого, кто остановил шаг.
func firstStoppedBy(steps []*domain.StepExecution) string {
	for _, se := range steps {
		if by := se.CurrentAttempt().StoppedBy; by != "" {
			return by
		}
	}
	return ""
}
