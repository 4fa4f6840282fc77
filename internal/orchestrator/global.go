package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/telemetry"
)

const defaultEvaluateInterval = time.Second

// StepRunner выполняет один шаг до финального статуса (StepOrchestrator).
type StepRunner interface {
	RunStep(ctx context.Context, exec *domain.Execution, se *domain.StepExecution, cancel *Cancellation) domain.StepExecutionStatus
}

// StepExecutionListener получает уведомления о шагах run.
//
// OnPreExecute вызывается перед запуском шага (попытка в QUEUED).
// OnPostExecute — когда шаг стал финальным: после выполнения или
// сразу, если трекеры не дали ему стартовать.
// Оба вызова происходят вне мьютекса Global.
type StepExecutionListener interface {
	OnPreExecute(ctx context.Context, exec *domain.Execution, se *domain.StepExecution)
	OnPostExecute(ctx context.Context, exec *domain.Execution, se *domain.StepExecution)
}

type noopListener struct{}

func (noopListener) OnPreExecute(context.Context, *domain.Execution, *domain.StepExecution)  {}
func (noopListener) OnPostExecute(context.Context, *domain.Execution, *domain.StepExecution) {}

// Observer — шаг run вместе с его трекерами.
type Observer struct {
	Exec     *domain.Execution
	Step     *domain.StepExecution
	Trackers []Tracker
	Cancel   *Cancellation

	// Состояние ниже меняется только под мьютексом Global.
	dispatched bool
	done       bool
	trackerErr error
	waitReason string
}

// NewObserver создаёт наблюдателя с трекерами по режиму выполнения run.
func NewObserver(exec *domain.Execution, se *domain.StepExecution, cancel *Cancellation) *Observer {
	return &Observer{
		Exec:     exec,
		Step:     se,
		Trackers: BuildTrackers(exec, se),
		Cancel:   cancel,
	}
}

// pending возвращает true, пока шаг ещё не запущен и не завершён.
func (o *Observer) pending() bool {
	return !o.dispatched && !o.done
}

// registration — зарегистрированный run.
type registration struct {
	runID       uuid.UUID
	observers   []*Observer
	listener    StepExecutionListener
	maxParallel int

	running   int
	remaining int
	waiting   int

	wake chan struct{}
}

// signal будит цикл оценки run. Не блокируется.
func (r *registration) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// GlobalConfig — конфигурация Global.
type GlobalConfig struct {
	// Runner — кто выполняет шаги.
	Runner StepRunner

	// MaxParallel — лимит одновременно выполняющихся шагов во всём процессе (0 — без лимита).
	MaxParallel int

	// EvaluateInterval — период принудительной переоценки (default: 1s).
	// Основной триггер — события; период страхует от пропущенных пробуждений.
	EvaluateInterval time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Global — оркестратор процесса: один на процесс, общий для всех run.
//
// Рассылает обновления статусов шагов всем трекерам всех зарегистрированных
// run и решает, какие шаги запускать. Всё состояние защищено одним мьютексом:
// HandleUpdate и GetStepAction трекеров всегда вызываются под ним.
type Global struct {
	runner           StepRunner
	maxParallel      int
	evaluateInterval time.Duration
	logger           *slog.Logger
	metrics          *telemetry.Metrics

	mu       sync.Mutex
	events   []domain.OrchestrationUpdate
	snapshot map[domain.StepKey]domain.OrchestrationUpdate
	runs     map[uuid.UUID]*registration
	running  int
}

// NewGlobal создаёт Global.
func NewGlobal(cfg GlobalConfig) *Global {
	interval := cfg.EvaluateInterval
	if interval <= 0 {
		interval = defaultEvaluateInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Global{
		runner:           cfg.Runner,
		maxParallel:      cfg.MaxParallel,
		evaluateInterval: interval,
		logger:           logger,
		metrics:          cfg.Metrics,
		snapshot:         make(map[domain.StepKey]domain.OrchestrationUpdate),
		runs:             make(map[uuid.UUID]*registration),
	}
}

// RegisterStepsAndObservers регистрирует шаги run и ведёт их до финального статуса.
//
// Блокируется, пока все шаги run не станут финальными. Отмена ctx не прерывает
// ожидание: шаги останавливаются через свои Cancellation, а оценка продолжается,
// пока каждый шаг не получит финальный статус.
func (g *Global) RegisterStepsAndObservers(ctx context.Context, observers []*Observer, listener StepExecutionListener) error {
	if len(observers) == 0 {
		return nil
	}
	if listener == nil {
		listener = noopListener{}
	}

	reg := &registration{
		runID:       observers[0].Step.RunID,
		observers:   observers,
		listener:    listener,
		maxParallel: observers[0].Exec.MaxParallelSteps,
		remaining:   len(observers),
		wake:        make(chan struct{}, 1),
	}

	g.mu.Lock()
	if _, exists := g.runs[reg.runID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.runID)
	}
	g.runs[reg.runID] = reg
	g.replayLocked(reg)
	g.mu.Unlock()

	defer g.unregister(reg.runID)

	g.logger.Debug("run registered",
		"run_id", reg.runID,
		"steps", len(observers),
	)

	ticker := time.NewTicker(g.evaluateInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		if g.evaluate(ctx, reg) {
			return nil
		}

		select {
		case <-reg.wake:
		case <-ticker.C:
		case <-done:
			// Дальше шаги финализируются через свои Cancellation.
			done = nil
		}
	}
}

// Wake будит цикл оценки run (например, после запроса на остановку).
func (g *Global) Wake(runID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reg, ok := g.runs[runID]; ok {
		reg.signal()
	}
}

// Updates возвращает обновления статусов шагов run в порядке рассылки.
func (g *Global) Updates(runID uuid.UUID) []domain.OrchestrationUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result []domain.OrchestrationUpdate
	for _, u := range g.events {
		if u.Step.RunID == runID {
			result = append(result, u)
		}
	}
	return result
}

// RunningSteps возвращает количество выполняющихся шагов во всём процессе.
func (g *Global) RunningSteps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// evaluate выполняет один проход оценки run. Возвращает true, когда все шаги финальны.
func (g *Global) evaluate(ctx context.Context, reg *registration) bool {
	var vetoed, dispatched []*Observer

	g.mu.Lock()
	reg.waiting = 0
	for _, obs := range reg.observers {
		if !obs.pending() {
			continue
		}

		if obs.Cancel != nil && obs.Cancel.Requested() {
			g.finishLocked(reg, obs, domain.StepStatusStopped, "", obs.Cancel.StoppedBy())
			vetoed = append(vetoed, obs)
			continue
		}

		action := g.actionLocked(obs)
		switch action.Kind {
		case ActionFail:
			g.finishLocked(reg, obs, action.FailStatus, action.Message, "")
			vetoed = append(vetoed, obs)
		case ActionCancel:
			g.finishLocked(reg, obs, domain.StepStatusStopped, action.Message, systemUser)
			vetoed = append(vetoed, obs)
		case ActionWait:
			obs.waitReason = action.Message
			reg.waiting++
		case ActionExecute:
			if !g.hasBudgetLocked(reg) {
				obs.waitReason = "parallel step limit reached"
				reg.waiting++
				continue
			}
			g.dispatchLocked(reg, obs)
			dispatched = append(dispatched, obs)
		}
	}
	g.metrics.SetWaiting(g.waitingLocked())
	finished := reg.remaining == 0
	g.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	for _, obs := range vetoed {
		reg.listener.OnPostExecute(persistCtx, obs.Exec, obs.Step)
	}
	for _, obs := range dispatched {
		go g.execute(ctx, reg, obs)
	}

	return finished
}

// actionLocked возвращает общий вердикт трекеров шага.
// Паника трекера превращается в Fail(FAILED).
func (g *Global) actionLocked(obs *Observer) (action StepAction) {
	if obs.trackerErr != nil {
		return Fail(domain.StepStatusFailed, "%v", obs.trackerErr)
	}

	defer func() {
		if r := recover(); r != nil {
			g.metrics.TrackerError()
			g.logger.Error("tracker panicked",
				"run_id", obs.Step.RunID,
				"step_id", obs.Step.Step.ID,
				"panic", r,
			)
			action = Fail(domain.StepStatusFailed, "%s: %v", ErrTrackerPanic, r)
		}
	}()

	actions := make([]StepAction, 0, len(obs.Trackers))
	for _, t := range obs.Trackers {
		actions = append(actions, t.GetStepAction())
	}
	return CombineActions(actions...)
}

// hasBudgetLocked проверяет лимиты параллельности процесса и run.
func (g *Global) hasBudgetLocked(reg *registration) bool {
	if g.maxParallel > 0 && g.running >= g.maxParallel {
		return false
	}
	if reg.maxParallel > 0 && reg.running >= reg.maxParallel {
		return false
	}
	return true
}

// dispatchLocked резервирует слот и объявляет шаг выполняющимся.
//
// RUNNING рассылается сразу, чтобы следующие шаги этого же прохода
// уже видели занятый ресурс.
func (g *Global) dispatchLocked(reg *registration, obs *Observer) {
	obs.dispatched = true
	obs.waitReason = ""
	obs.Step.CurrentAttempt().Status = domain.StepStatusQueued

	reg.running++
	g.running++
	g.metrics.StepStarted()
	g.metrics.StepTransition(string(domain.StepStatusQueued))

	g.broadcastLocked(domain.OrchestrationUpdate{
		Step:   obs.Step.Ref(),
		Status: domain.OrchestrationStatusRunning,
	})

	g.logger.Debug("step dispatched",
		"run_id", reg.runID,
		"step_id", obs.Step.Step.ID,
	)
}

// execute выполняет запущенный шаг и освобождает слот.
func (g *Global) execute(ctx context.Context, reg *registration, obs *Observer) {
	persistCtx := context.WithoutCancel(ctx)

	reg.listener.OnPreExecute(persistCtx, obs.Exec, obs.Step)
	status := g.runStep(ctx, obs)
	reg.listener.OnPostExecute(persistCtx, obs.Exec, obs.Step)

	g.complete(reg, obs, status)
}

// runStep вызывает StepRunner. Паника самого StepRunner превращается в FAILED без повторов;
// паники executor'ов перехватывает StepOrchestrator.
func (g *Global) runStep(ctx context.Context, obs *Observer) (status domain.StepExecutionStatus) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("step runner panicked",
				"run_id", obs.Step.RunID,
				"step_id", obs.Step.Step.ID,
				"panic", r,
			)
			obs.Step.CurrentAttempt().MarkFinished(domain.StepStatusFailed, fmt.Sprintf("panic: %v", r))
			status = domain.StepStatusFailed
		}
	}()

	if g.runner == nil {
		obs.Step.CurrentAttempt().MarkFinished(domain.StepStatusFailed, "no step runner configured")
		return domain.StepStatusFailed
	}
	return g.runner.RunStep(ctx, obs.Exec, obs.Step, obs.Cancel)
}

// complete фиксирует финальный статус выполненного шага и будит все run.
func (g *Global) complete(reg *registration, obs *Observer, status domain.StepExecutionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	obs.done = true
	reg.running--
	reg.remaining--
	g.running--
	g.metrics.StepFinished()

	orch, ok := status.Orchestration()
	if !ok || orch == domain.OrchestrationStatusRunning {
		orch = domain.OrchestrationStatusFailed
	}
	g.broadcastLocked(domain.OrchestrationUpdate{Step: obs.Step.Ref(), Status: orch})

	g.logger.Debug("step finished",
		"run_id", reg.runID,
		"step_id", obs.Step.Step.ID,
		"status", status,
	)
}

// finishLocked завершает шаг без запуска.
func (g *Global) finishLocked(reg *registration, obs *Observer, status domain.StepExecutionStatus, msg, stoppedBy string) {
	attempt := obs.Step.CurrentAttempt()
	attempt.MarkFinished(status, msg)
	if stoppedBy != "" {
		attempt.StoppedBy = stoppedBy
	}

	obs.done = true
	reg.remaining--
	g.metrics.StepTransition(string(status))

	if orch, ok := status.Orchestration(); ok {
		g.broadcastLocked(domain.OrchestrationUpdate{Step: obs.Step.Ref(), Status: orch})
	}

	g.logger.Info("step not executed",
		"run_id", reg.runID,
		"step_id", obs.Step.Step.ID,
		"status", status,
		"reason", msg,
	)
}

// broadcastLocked рассылает обновление всем ожидающим шагам всех run.
func (g *Global) broadcastLocked(u domain.OrchestrationUpdate) {
	g.events = append(g.events, u)
	g.snapshot[u.Step.Key()] = u
	g.metrics.Broadcast()

	for _, reg := range g.runs {
		for _, obs := range reg.observers {
			if obs.pending() {
				g.feedLocked(obs, u)
			}
		}
		reg.signal()
	}
}

// replayLocked передаёт трекерам нового run последние статусы шагов других run.
func (g *Global) replayLocked(reg *registration) {
	updates := make([]domain.OrchestrationUpdate, 0, len(g.snapshot))
	for _, u := range g.snapshot {
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool {
		a, b := updates[i].Step, updates[j].Step
		if a.RunID != b.RunID {
			return a.RunID.String() < b.RunID.String()
		}
		return a.StepID < b.StepID
	})

	for _, u := range updates {
		for _, obs := range reg.observers {
			g.feedLocked(obs, u)
		}
	}
}

// feedLocked передаёт обновление трекерам шага.
// Паника трекера запоминается: на следующей оценке шаг завершится FAILED.
func (g *Global) feedLocked(obs *Observer, u domain.OrchestrationUpdate) {
	if u.Step.Key() == stepKey(obs.Step) {
		return
	}

	for _, t := range obs.Trackers {
		monitor, err := handleUpdate(t, u)
		if err != nil {
			if obs.trackerErr == nil {
				obs.trackerErr = err
				g.metrics.TrackerError()
				g.logger.Error("tracker failed to handle update",
					"run_id", obs.Step.RunID,
					"step_id", obs.Step.Step.ID,
					"error", err,
				)
			}
			continue
		}
		if monitor != nil {
			obs.Step.AddMonitor(*monitor)
		}
	}
}

// handleUpdate вызывает HandleUpdate с перехватом паники.
func handleUpdate(t Tracker, u domain.OrchestrationUpdate) (monitor *domain.StepExecutionMonitor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTrackerPanic, r)
		}
	}()
	return t.HandleUpdate(u), nil
}

// waitingLocked возвращает число ожидающих шагов во всех run.
func (g *Global) waitingLocked() int {
	n := 0
	for _, reg := range g.runs {
		n += reg.waiting
	}
	return n
}

// unregister удаляет run и его следы из снимка и журнала.
func (g *Global) unregister(runID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.runs, runID)
	for key := range g.snapshot {
		if key.RunID == runID {
			delete(g.snapshot, key)
		}
	}

	kept := g.events[:0]
	for _, u := range g.events {
		if u.Step.RunID != runID {
			kept = append(kept, u)
		}
	}
	g.events = kept
	g.metrics.SetWaiting(g.waitingLocked())

	g.logger.Debug("run unregistered", "run_id", runID)
}
