package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
)

// PendingLister находит runs, созданные, но ещё не запущенные.
// Реализуется repo.ExecutionRepo.
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	// Jobs — исполнитель runs.
	Jobs *JobExecutor

	// Conn — соединение с RabbitMQ (nil — без очередей, только polling).
	Conn *mq.Connection

	// Pending — источник runs для polling (nil — без polling).
	Pending PendingLister

	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество runs за один poll (default: 100)

	Logger *slog.Logger
}

// Service — долгоживущий движок: принимает запросы на запуск и остановку runs.
//
// Запускает:
//   - Consumer для run.requested
//   - Consumer для run.cancel
//   - Polling горутину для runs, запрос на которые потерялся
type Service struct {
	jobs    *JobExecutor
	conn    *mq.Connection
	pending PendingLister

	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	runCtx     context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	runs       sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// NewService создаёт Service.
func NewService(cfg ServiceConfig) *Service {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		jobs:         cfg.Jobs,
		conn:         cfg.Conn,
		pending:      cfg.Pending,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает consumers и polling. Не блокируется.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.runCtx = ctx
	s.cancelFunc = cancel

	s.logger.Info("starting engine service",
		"poll_interval", s.pollInterval,
		"batch_size", s.batchSize,
		"queues", s.conn != nil,
	)

	if s.conn != nil {
		consumers := []*mq.Consumer{
			mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
				Queue:    mq.QueueRunRequested,
				Handler:  s.handleRunRequested,
				Prefetch: 10,
			}),
			mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
				Queue:    mq.QueueRunCancel,
				Handler:  s.handleRunCancel,
				Prefetch: 10,
			}),
		}
		for _, c := range consumers {
			s.wg.Add(1)
			go func(c *mq.Consumer) {
				defer s.wg.Done()
				if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("consumer stopped", "error", err)
				}
			}(c)
		}
	}

	if s.pending != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}

	s.logger.Info("engine service started")
	return nil
}

// Stop останавливает приём запросов, отменяет активные runs и ждёт их финализации.
func (s *Service) Stop() {
	s.stoppedMu.Lock()
	s.stopped = true
	s.stoppedMu.Unlock()

	s.logger.Info("stopping engine service...")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	s.wg.Wait()

	// Runs, запущенные через JobExecutor.Start, не зависят от runCtx.
	for _, runID := range s.jobs.ActiveRuns() {
		if err := s.jobs.Cancel(runID, systemUser); err != nil && !errors.Is(err, ErrRunNotActive) {
			s.logger.Warn("failed to stop run", "run_id", runID, "error", err)
		}
	}

	s.runs.Wait()
	s.jobs.Wait()

	s.logger.Info("engine service stopped")
}

// IsStopped проверяет, остановлен ли Service.
func (s *Service) IsStopped() bool {
	s.stoppedMu.RLock()
	defer s.stoppedMu.RUnlock()
	return s.stopped
}

// Submit запускает существующий run в фоне.
func (s *Service) Submit(runID uuid.UUID) error {
	if s.IsStopped() || s.runCtx == nil {
		return ErrOrchestratorStopped
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		err := s.jobs.Run(s.runCtx, runID)
		switch {
		case err == nil:
		case errors.Is(err, ErrRunAlreadyActive), errors.Is(err, ErrRunFinished):
			s.logger.Debug("run skipped", "run_id", runID, "reason", err)
		default:
			s.logger.Error("run failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// handleRunRequested обрабатывает run.requested.
func (s *Service) handleRunRequested(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunRequestedPayload](&d.Message)
	if err != nil {
		return mq.Permanent(err)
	}

	if payload.RunID != uuid.Nil {
		return s.Submit(payload.RunID)
	}
	if payload.JobID == "" {
		return mq.Permanent(fmt.Errorf("run.requested without run_id and job_id"))
	}

	createdBy := payload.CreatedBy
	if createdBy == "" {
		createdBy = "mq"
	}
	runID, err := s.jobs.Start(ctx, payload.JobID, createdBy, payload.Params)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return mq.Permanent(err)
		}
		return err
	}

	s.logger.Info("run started from queue",
		"run_id", runID,
		"job_id", payload.JobID,
	)
	return nil
}

// handleRunCancel обрабатывает run.cancel.
//
// Run, который выполняется в другом процессе, здесь не найдётся: такое
// сообщение подтверждается без действий.
func (s *Service) handleRunCancel(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunCancelPayload](&d.Message)
	if err != nil {
		return mq.Permanent(err)
	}

	err = s.jobs.Cancel(payload.RunID, payload.User, payload.StepIDs...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunNotActive):
		s.logger.Warn("cancel for inactive run", "run_id", payload.RunID)
		return nil
	default:
		return mq.Permanent(err)
	}
}

// pollLoop — цикл polling для runs без сообщения в очереди.
func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу: подхватываем runs, созданные пока движок был выключен.
	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (s *Service) poll(ctx context.Context) {
	ids, err := s.pending.ListPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list pending runs", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	s.logger.Debug("poll found pending runs", "count", len(ids))

	active := make(map[uuid.UUID]bool)
	for _, id := range s.jobs.ActiveRuns() {
		active[id] = true
	}

	for _, id := range ids {
		if active[id] {
			continue
		}
		if err := s.Submit(id); err != nil {
			s.logger.Error("failed to submit run from poll", "run_id", id, "error", err)
			return
		}
	}
}
