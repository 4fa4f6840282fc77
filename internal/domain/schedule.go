package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического запуска job.
//
// Scheduler проверяет NextDueAt и запускает run, когда время подошло.
// Управление расписаниями (создание, правка) — задача authoring-слоя.
type Schedule struct {
	// ID — идентификатор расписания в каталоге.
	ID string `json:"id" yaml:"id"`

	// JobID — job, который нужно запускать.
	JobID string `json:"job_id" yaml:"job_id"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Примеры:
	//   "0 9 * * *"     — каждый день в 9:00
	//   "*/5 * * * *"   — каждые 5 минут
	CronExpr string `json:"cron_expr" yaml:"cron_expr"`

	// Timezone — часовой пояс для вычисления времени (default: UTC).
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	// Disabled — выключенное расписание scheduler игнорирует.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty" yaml:"-"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"-"`

	// LastRunID — ID последнего созданного run.
	LastRunID *uuid.UUID `json:"last_run_id,omitempty" yaml:"-"`
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if s.Disabled {
		return false
	}
	if s.NextDueAt == nil {
		return false
	}
	return now.After(*s.NextDueAt) || now.Equal(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (s *Schedule) RecordRun(runID uuid.UUID, nextDue time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastRunID = &runID
	s.NextDueAt = &nextDue
}
