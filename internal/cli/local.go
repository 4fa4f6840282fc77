package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/executor"
	"github.com/shaiso/etlflow/internal/orchestrator"
	"github.com/shaiso/etlflow/internal/repo"
)

// LocalConfig — конфигурация локального engine.
type LocalConfig struct {
	// MaxParallel — лимит одновременно выполняемых шагов (0 = без лимита).
	MaxParallel int

	// TimeUnit — длительность "минуты" в настройках retry, timeout и overtime
	// (default: минута). Меньшие значения удобны для пробных прогонов.
	TimeUnit time.Duration

	Logger *slog.Logger
}

// Local — engine в памяти процесса: каталог из файла, без БД и очереди.
type Local struct {
	store     *repo.MemoryStore
	executors *executor.Registry
	jobs      *orchestrator.JobExecutor
}

// NewLocal собирает Global, StepOrchestrator и JobExecutor поверх MemoryStore.
func NewLocal(catalog *domain.Catalog, cfg LocalConfig) *Local {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	unit := cfg.TimeUnit
	if unit <= 0 {
		unit = time.Minute
	}

	store := repo.NewMemoryStore()
	executors := executor.NewDefaultRegistry(executor.Config{Logger: logger})

	steps := orchestrator.NewStepOrchestrator(orchestrator.StepOrchestratorConfig{
		Executors:         executors,
		Store:             store,
		RetryIntervalUnit: unit,
		TimeoutUnit:       unit,
		Logger:            logger,
	})

	global := orchestrator.NewGlobal(orchestrator.GlobalConfig{
		Runner:      steps,
		MaxParallel: cfg.MaxParallel,
		Logger:      logger,
	})

	jobs := orchestrator.NewJobExecutor(orchestrator.JobExecutorConfig{
		Global:       global,
		Store:        store,
		Catalog:      catalog,
		OvertimeUnit: unit,
		Logger:       logger,
	})
	executors.Register(domain.StepKindJob, &executor.JobStepExecutor{Launcher: jobs})

	return &Local{
		store:     store,
		executors: executors,
		jobs:      jobs,
	}
}

// Run запускает job и ждёт завершения run.
func (l *Local) Run(ctx context.Context, jobID, createdBy string, params map[string]any) (*domain.Execution, error) {
	return l.jobs.StartAndWait(ctx, jobID, createdBy, params)
}

// Transitions возвращает историю смен статусов попыток run.
func (l *Local) Transitions(runID uuid.UUID) []repo.Transition {
	return l.store.Transitions(runID)
}

// Close дожидается фоновых runs и закрывает пулы подключений executor'ов.
func (l *Local) Close() {
	l.jobs.Wait()
	l.executors.Close()
}
