package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Execution — один запуск job (run).
//
// Execution — владелец всех StepExecution своего run: перекрёстные ссылки
// между шагами хранятся как ID и разрешаются через StepExecutions.
type Execution struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// JobID и JobName — job, который выполняется.
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`

	// Status — текущий статус run.
	Status ExecutionStatus `json:"status"`

	// CreatedBy — кто запустил run (пользователь, scheduler, родительский job).
	CreatedBy string `json:"created_by"`

	// Снимок настроек job на момент запуска.
	ExecutionMode                    ExecutionMode `json:"execution_mode"`
	StopOnFirstError                 bool          `json:"stop_on_first_error"`
	MaxParallelSteps                 int           `json:"max_parallel_steps"`
	OvertimeNotificationLimitMinutes int           `json:"overtime_notification_limit_minutes"`

	// Parameters — параметры job (с учётом переопределений при запуске).
	Parameters []JobParameter `json:"parameters,omitempty"`

	// ParameterValues — вычисленные значения параметров job.
	ParameterValues map[string]any `json:"parameter_values,omitempty"`

	// ParameterErrors — ошибки вычисления параметров job (имя → текст ошибки).
	ParameterErrors map[string]string `json:"parameter_errors,omitempty"`

	// StepExecutions — шаги run (stepID → StepExecution).
	StepExecutions map[string]*StepExecution `json:"step_executions"`

	// Resources и DataObjects — снимки лимитов, на которые ссылаются шаги.
	Resources   map[string]Resource   `json:"resources,omitempty"`
	DataObjects map[string]DataObject `json:"data_objects,omitempty"`

	// Error — ошибка уровня run (например, найденный цикл зависимостей).
	Error string `json:"error,omitempty"`

	// StoppedBy — кто остановил run.
	StoppedBy string `json:"stopped_by,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewExecution создаёт run для job: по одному StepExecution на каждый включённый шаг,
// у каждого — одна попытка NOT_STARTED с индексом 0.
//
// overrides переопределяют статические значения параметров job.
func NewExecution(job *Job, resources map[string]Resource, objects map[string]DataObject, createdBy string, overrides map[string]any) *Execution {
	exec := &Execution{
		ID:                               uuid.New(),
		JobID:                            job.ID,
		JobName:                          job.Name,
		Status:                           ExecutionStatusNotStarted,
		CreatedBy:                        createdBy,
		ExecutionMode:                    job.Mode(),
		StopOnFirstError:                 job.StopOnFirstError,
		MaxParallelSteps:                 job.MaxParallelSteps,
		OvertimeNotificationLimitMinutes: job.OvertimeNotificationLimitMinutes,
		ParameterValues:                  make(map[string]any),
		ParameterErrors:                  make(map[string]string),
		StepExecutions:                   make(map[string]*StepExecution),
		Resources:                        make(map[string]Resource),
		DataObjects:                      make(map[string]DataObject),
		CreatedAt:                        time.Now(),
	}
	if exec.JobName == "" {
		exec.JobName = job.ID
	}

	for _, p := range job.Parameters {
		if v, ok := overrides[p.Name]; ok {
			p.Value = v
			p.Expression = ""
		}
		exec.Parameters = append(exec.Parameters, p)
	}

	for i := range job.Steps {
		step := job.Steps[i]
		if step.Disabled {
			continue
		}
		exec.StepExecutions[step.ID] = NewStepExecution(exec.ID, job.ID, step)

		if step.ResourceID != "" {
			if r, ok := resources[step.ResourceID]; ok {
				exec.Resources[r.ID] = r
			}
		}
		for _, ref := range step.DataObjects {
			if o, ok := objects[ref.ObjectID]; ok {
				exec.DataObjects[o.ID] = o
			}
		}
	}

	return exec
}

// Steps возвращает шаги в детерминированном порядке: по фазе, затем по ID.
func (e *Execution) Steps() []*StepExecution {
	steps := make([]*StepExecution, 0, len(e.StepExecutions))
	for _, se := range e.StepExecutions {
		steps = append(steps, se)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Step.Phase != steps[j].Step.Phase {
			return steps[i].Step.Phase < steps[j].Step.Phase
		}
		return steps[i].Step.ID < steps[j].Step.ID
	})
	return steps
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.StartedAt)
}

// MarkRunning переводит run в статус RUNNING.
func (e *Execution) MarkRunning() {
	now := time.Now()
	e.Status = ExecutionStatusRunning
	e.StartedAt = &now
}

// MarkFinished переводит run в финальный статус.
func (e *Execution) MarkFinished(status ExecutionStatus, errMsg string) {
	now := time.Now()
	e.Status = status
	e.EndedAt = &now
	if errMsg != "" {
		e.Error = errMsg
	}
}

// AggregateStatus вычисляет итоговый статус run по текущим попыткам всех шагов.
//
// Любая неразрешённая ошибка (текущая попытка FAILED / DEPENDENCIES_FAILED / DUPLICATE)
// делает run FAILED; затем STOPPED; затем WARNING; иначе SUCCEEDED.
func (e *Execution) AggregateStatus() ExecutionStatus {
	var failed, stopped, warning bool
	for _, se := range e.StepExecutions {
		switch se.CurrentAttempt().Status {
		case StepStatusFailed, StepStatusDependenciesFailed, StepStatusDuplicate:
			failed = true
		case StepStatusStopped, StepStatusNotStarted, StepStatusQueued, StepStatusRunning,
			StepStatusRetry, StepStatusAwaitingRetry:
			stopped = true
		case StepStatusWarning:
			warning = true
		}
	}

	switch {
	case failed:
		return ExecutionStatusFailed
	case stopped:
		return ExecutionStatusStopped
	case warning:
		return ExecutionStatusWarning
	default:
		return ExecutionStatusSucceeded
	}
}

// StepExecution — экземпляр шага внутри одного run.
//
// Попытки строго упорядочены: текущая — всегда последняя.
type StepExecution struct {
	RunID uuid.UUID `json:"run_id"`
	JobID string    `json:"job_id"`

	// Step — снимок определения шага.
	Step Step `json:"step"`

	// Attempts — попытки выполнения (по одной на retry).
	Attempts []*StepExecutionAttempt `json:"attempts"`

	// ParameterValues — вычисленные значения параметров шага.
	ParameterValues map[string]any `json:"parameter_values,omitempty"`

	// Monitors — почему шаг ждал другие шаги.
	Monitors []StepExecutionMonitor `json:"monitors,omitempty"`
}

// NewStepExecution создаёт StepExecution с первой попыткой NOT_STARTED.
func NewStepExecution(runID uuid.UUID, jobID string, step Step) *StepExecution {
	return &StepExecution{
		RunID: runID,
		JobID: jobID,
		Step:  step,
		Attempts: []*StepExecutionAttempt{
			{RetryAttemptIndex: 0, Status: StepStatusNotStarted},
		},
		ParameterValues: make(map[string]any),
	}
}

// CurrentAttempt возвращает текущую (последнюю) попытку.
func (s *StepExecution) CurrentAttempt() *StepExecutionAttempt {
	return s.Attempts[len(s.Attempts)-1]
}

// AppendRetryAttempt добавляет новую попытку в статусе AWAITING_RETRY.
func (s *StepExecution) AppendRetryAttempt() *StepExecutionAttempt {
	attempt := &StepExecutionAttempt{
		RetryAttemptIndex: len(s.Attempts),
		Status:            StepStatusAwaitingRetry,
	}
	s.Attempts = append(s.Attempts, attempt)
	return attempt
}

// Ref возвращает снимок атрибутов шага, нужных трекерам других шагов.
func (s *StepExecution) Ref() StepRef {
	return StepRef{
		RunID:      s.RunID,
		JobID:      s.JobID,
		StepID:     s.Step.ID,
		Kind:       s.Step.Kind,
		Phase:      s.Step.Phase,
		ResourceID: s.Step.ResourceID,
		Targets:    s.Step.Targets(),
	}
}

// AddMonitor добавляет запись мониторинга, если такой ещё нет.
func (s *StepExecution) AddMonitor(m StepExecutionMonitor) {
	for _, existing := range s.Monitors {
		if existing.MonitoredRunID == m.MonitoredRunID &&
			existing.MonitoredStepID == m.MonitoredStepID &&
			existing.Reason == m.Reason {
			return
		}
	}
	s.Monitors = append(s.Monitors, m)
}

// StepExecutionAttempt — одна попытка выполнения шага.
type StepExecutionAttempt struct {
	RetryAttemptIndex int                 `json:"retry_attempt_index"`
	Status            StepExecutionStatus `json:"status"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	EndedAt           *time.Time          `json:"ended_at,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	WarningMessages   []string            `json:"warning_messages,omitempty"`
	InfoMessages      []string            `json:"info_messages,omitempty"`
	StoppedBy         string              `json:"stopped_by,omitempty"`
}

// MarkRunning переводит попытку в RUNNING.
func (a *StepExecutionAttempt) MarkRunning() {
	now := time.Now()
	a.Status = StepStatusRunning
	a.StartedAt = &now
}

// MarkFinished переводит попытку в финальный статус.
func (a *StepExecutionAttempt) MarkFinished(status StepExecutionStatus, errMsg string) {
	now := time.Now()
	a.Status = status
	a.EndedAt = &now
	if errMsg != "" {
		a.ErrorMessage = errMsg
	}
}

// Duration возвращает продолжительность попытки.
func (a *StepExecutionAttempt) Duration() time.Duration {
	if a.StartedAt == nil || a.EndedAt == nil {
		return 0
	}
	return a.EndedAt.Sub(*a.StartedAt)
}
