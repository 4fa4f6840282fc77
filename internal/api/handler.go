package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
)

// Jobs запускает и останавливает runs. Реализуется orchestrator.JobExecutor.
type Jobs interface {
	Start(ctx context.Context, jobID, createdBy string, params map[string]any) (uuid.UUID, error)
	Cancel(runID uuid.UUID, user string, stepIDs ...string) error
	ActiveRuns() []uuid.UUID
}

// Runs читает runs. Реализуется repo.ExecutionRepo и repo.MemoryStore.
type Runs interface {
	LookupExecution(ctx context.Context, runID uuid.UUID) (*domain.Execution, bool, error)
}

// Schedules отдаёт текущее состояние расписаний. Реализуется scheduler.Scheduler.
type Schedules interface {
	Schedules() []domain.Schedule
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	jobs      Jobs
	runs      Runs
	schedules Schedules
	catalog   *domain.Catalog
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Jobs      Jobs
	Runs      Runs
	Schedules Schedules // опционально
	Catalog   *domain.Catalog
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = &domain.Catalog{}
	}
	return &Handler{
		jobs:      cfg.Jobs,
		runs:      cfg.Runs,
		schedules: cfg.Schedules,
		catalog:   catalog,
		logger:    logger,
	}
}
