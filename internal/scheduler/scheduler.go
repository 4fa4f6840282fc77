package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
)

const defaultInterval = time.Second

// Launcher запускает run job'а. Реализуется orchestrator.JobExecutor.
type Launcher interface {
	Start(ctx context.Context, jobID, createdBy string, params map[string]any) (uuid.UUID, error)
}

// Config — конфигурация Scheduler.
type Config struct {
	// Schedules — расписания каталога.
	Schedules []domain.Schedule

	// Launcher — кто запускает runs.
	Launcher Launcher

	// Interval — период тиков для Run (default: 1s).
	Interval time.Duration

	Logger *slog.Logger

	// Now — источник времени (для тестов, default: time.Now).
	Now func() time.Time
}

// Scheduler запускает runs по cron-расписаниям каталога.
type Scheduler struct {
	launcher Launcher
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	schedules []*domain.Schedule
}

// New создаёт Scheduler и вычисляет первое время запуска для каждого расписания.
//
// Расписания с некорректным cron-выражением или timezone выключаются
// с записью в лог.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		launcher: cfg.Launcher,
		interval: interval,
		logger:   logger,
		now:      now,
	}

	start := now()
	for i := range cfg.Schedules {
		sched := cfg.Schedules[i]
		if !sched.Disabled && sched.NextDueAt == nil {
			next, err := CalculateNextDue(&sched, start)
			if err != nil {
				logger.Error("invalid schedule, disabling",
					"schedule_id", sched.ID,
					"error", err,
				)
				sched.Disabled = true
			} else {
				sched.NextDueAt = &next
			}
		}
		s.schedules = append(s.schedules, &sched)
	}

	return s
}

// Run вызывает Tick каждые Interval, пока ctx не отменён.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"schedules", len(s.schedules),
		"interval", s.interval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит расписания, время которых подошло
// 2. Для каждого запускает run
// 3. Сдвигает NextDueAt
//
// Ошибки одного расписания не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.launcher == nil {
		return fmt.Errorf("scheduler has no launcher")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due, started int
	for _, sched := range s.schedules {
		if !sched.IsDue(now) {
			continue
		}
		due++

		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"job_id", sched.JobID,
				"error", err,
			)
			continue
		}
		started++
	}

	if due > 0 {
		s.logger.Info("scheduler tick completed",
			"due", due,
			"runs_started", started,
		)
	}
	return nil
}

// processSchedule запускает run по расписанию и сдвигает следующее время.
//
// Если запуск не удался, NextDueAt не меняется: попытка повторится на следующем тике.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		return fmt.Errorf("calculate next due: %w", err)
	}

	createdBy := "schedule:" + sched.ID
	runID, err := s.launcher.Start(ctx, sched.JobID, createdBy, nil)
	if err != nil {
		return fmt.Errorf("start job %s: %w", sched.JobID, err)
	}

	s.logger.Info("started run from schedule",
		"run_id", runID,
		"schedule_id", sched.ID,
		"job_id", sched.JobID,
		"due_at", sched.NextDueAt,
		"next_due_at", nextDue,
	)

	sched.RecordRun(runID, nextDue)
	return nil
}

// Schedules возвращает копию текущего состояния расписаний.
func (s *Scheduler) Schedules() []domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, *sched)
	}
	return result
}
