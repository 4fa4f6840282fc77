package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
)

// Store — хранилище runs и их шагов.
//
// Реализации: repo.MemoryStore (CLI, тесты) и repo.ExecutionRepo (PostgreSQL).
type Store interface {
	// LookupExecution загружает run. Второе значение false — run не найден.
	LookupExecution(ctx context.Context, runID uuid.UUID) (*domain.Execution, bool, error)

	// CreateExecution сохраняет новый run вместе с шагами.
	CreateExecution(ctx context.Context, exec *domain.Execution) error

	// ClaimExecution атомарно переводит run из NOT_STARTED в RUNNING.
	// false — run уже захвачен другим исполнителем или завершён.
	ClaimExecution(ctx context.Context, runID uuid.UUID) (bool, error)

	// SaveAttemptTransition сохраняет попытку шага после смены статуса.
	SaveAttemptTransition(ctx context.Context, se *domain.StepExecution, attempt *domain.StepExecutionAttempt) error

	// SaveStepParameters сохраняет вычисленные параметры шага.
	SaveStepParameters(ctx context.Context, se *domain.StepExecution) error

	// SaveMonitors сохраняет записи мониторинга шага.
	SaveMonitors(ctx context.Context, se *domain.StepExecution) error

	// SaveRunStatus сохраняет статус run, параметры job и ошибку.
	SaveRunStatus(ctx context.Context, exec *domain.Execution) error
}

// Notifier — уведомления о runs.
type Notifier interface {
	// NotifyLongRunning — run выполняется дольше OvertimeNotificationLimitMinutes.
	NotifyLongRunning(ctx context.Context, exec *domain.Execution) error

	// NotifyCompletion — run завершился.
	NotifyCompletion(ctx context.Context, exec *domain.Execution) error
}

// StepStatusPublisher — необязательное расширение Notifier:
// публикация финальных статусов шагов.
type StepStatusPublisher interface {
	PublishStepStatus(ctx context.Context, se *domain.StepExecution) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyLongRunning(context.Context, *domain.Execution) error { return nil }
func (noopNotifier) NotifyCompletion(context.Context, *domain.Execution) error  { return nil }
