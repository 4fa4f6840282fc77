package domain

// ExecutionStatus — статус выполнения run (одного запуска job).
//
// Жизненный цикл:
//
//	NOT_STARTED → RUNNING → SUCCEEDED
//	                      ↘ WARNING
//	                      ↘ FAILED
//	                      ↘ STOPPED (отмена пользователем)
type ExecutionStatus string

const (
	// ExecutionStatusNotStarted — run создан, но ещё не начал выполняться.
	ExecutionStatusNotStarted ExecutionStatus = "NOT_STARTED"

	// ExecutionStatusRunning — run в процессе выполнения.
	ExecutionStatusRunning ExecutionStatus = "RUNNING"

	// ExecutionStatusSucceeded — все шаги завершились успешно.
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"

	// ExecutionStatusWarning — шаги завершились успешно, но с предупреждениями.
	ExecutionStatusWarning ExecutionStatus = "WARNING"

	// ExecutionStatusFailed — хотя бы один шаг завершился неудачей.
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusStopped — run остановлен пользователем.
	ExecutionStatusStopped ExecutionStatus = "STOPPED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusWarning, ExecutionStatusFailed, ExecutionStatusStopped:
		return true
	default:
		return false
	}
}

// StepExecutionStatus — статус попытки выполнения шага.
//
// Жизненный цикл:
//
//	NOT_STARTED → QUEUED → RUNNING → SUCCEEDED | WARNING | FAILED | STOPPED
//	                              ↘ RETRY (текущая попытка) → AWAITING_RETRY (новая попытка) → RUNNING
//	NOT_STARTED → SKIPPED | DEPENDENCIES_FAILED | DUPLICATE | STOPPED (без запуска executor'а)
type StepExecutionStatus string

const (
	StepStatusNotStarted         StepExecutionStatus = "NOT_STARTED"
	StepStatusQueued             StepExecutionStatus = "QUEUED"
	StepStatusRunning            StepExecutionStatus = "RUNNING"
	StepStatusSucceeded          StepExecutionStatus = "SUCCEEDED"
	StepStatusWarning            StepExecutionStatus = "WARNING"
	StepStatusFailed             StepExecutionStatus = "FAILED"
	StepStatusRetry              StepExecutionStatus = "RETRY"
	StepStatusAwaitingRetry      StepExecutionStatus = "AWAITING_RETRY"
	StepStatusStopped            StepExecutionStatus = "STOPPED"
	StepStatusSkipped            StepExecutionStatus = "SKIPPED"
	StepStatusDependenciesFailed StepExecutionStatus = "DEPENDENCIES_FAILED"
	StepStatusDuplicate          StepExecutionStatus = "DUPLICATE"
)

// IsTerminal возвращает true, если шаг больше не будет выполняться.
//
// RETRY — финальный статус отдельной попытки, но не шага:
// после него всегда добавляется новая попытка.
func (s StepExecutionStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusWarning, StepStatusFailed, StepStatusStopped,
		StepStatusSkipped, StepStatusDependenciesFailed, StepStatusDuplicate:
		return true
	default:
		return false
	}
}

// Orchestration возвращает статус, который видят трекеры других шагов.
// Второе значение false — шаг ещё не запускался и в поток обновлений не попадает.
func (s StepExecutionStatus) Orchestration() (OrchestrationStatus, bool) {
	switch s {
	case StepStatusSucceeded, StepStatusWarning:
		return OrchestrationStatusSucceeded, true
	case StepStatusFailed, StepStatusStopped, StepStatusSkipped,
		StepStatusDependenciesFailed, StepStatusDuplicate:
		return OrchestrationStatusFailed, true
	case StepStatusRunning, StepStatusRetry, StepStatusAwaitingRetry:
		return OrchestrationStatusRunning, true
	default:
		return "", false
	}
}

// ParseStepExecutionStatus парсит строку в StepExecutionStatus.
func ParseStepExecutionStatus(s string) StepExecutionStatus {
	switch StepExecutionStatus(s) {
	case StepStatusQueued, StepStatusRunning, StepStatusSucceeded, StepStatusWarning,
		StepStatusFailed, StepStatusRetry, StepStatusAwaitingRetry, StepStatusStopped,
		StepStatusSkipped, StepStatusDependenciesFailed, StepStatusDuplicate:
		return StepExecutionStatus(s)
	default:
		return StepStatusNotStarted
	}
}

// OrchestrationStatus — упрощённый статус шага для трекеров.
type OrchestrationStatus string

const (
	OrchestrationStatusRunning   OrchestrationStatus = "RUNNING"
	OrchestrationStatusSucceeded OrchestrationStatus = "SUCCEEDED"
	OrchestrationStatusFailed    OrchestrationStatus = "FAILED"
)

// IsTerminal возвращает true для SUCCEEDED и FAILED.
func (s OrchestrationStatus) IsTerminal() bool {
	return s == OrchestrationStatusSucceeded || s == OrchestrationStatusFailed
}
