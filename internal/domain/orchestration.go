package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepRef — снимок идентичности шага и атрибутов, важных для ограничений.
//
// Передаётся по значению: трекеры не держат указателей на чужие StepExecution.
type StepRef struct {
	RunID      uuid.UUID
	JobID      string
	StepID     string
	Kind       StepKind
	Phase      int
	ResourceID string
	Targets    []string
}

// Key возвращает ключ шага, уникальный в пределах процесса.
func (r StepRef) Key() StepKey {
	return StepKey{RunID: r.RunID, StepID: r.StepID}
}

// WritesTo проверяет, пишет ли шаг в объект данных.
func (r StepRef) WritesTo(objectID string) bool {
	for _, t := range r.Targets {
		if t == objectID {
			return true
		}
	}
	return false
}

// StepKey — пара (run, step).
type StepKey struct {
	RunID  uuid.UUID
	StepID string
}

// OrchestrationUpdate — событие смены статуса любого шага в процессе.
type OrchestrationUpdate struct {
	Step   StepRef
	Status OrchestrationStatus
}

// MonitoringReason — почему один шаг наблюдает за другим.
type MonitoringReason string

const (
	MonitorUpstreamDependency   MonitoringReason = "upstream_dependency"
	MonitorDownstreamDependency MonitoringReason = "downstream_dependency"
	MonitorDuplicate            MonitoringReason = "duplicate"
	MonitorExecutionPhase       MonitoringReason = "execution_phase"
	MonitorResource             MonitoringReason = "resource"
	MonitorTarget               MonitoringReason = "target"
)

// StepExecutionMonitor — запись "шаг StepID ждал шаг MonitoredStepID по причине Reason".
type StepExecutionMonitor struct {
	RunID           uuid.UUID        `json:"run_id"`
	StepID          string           `json:"step_id"`
	MonitoredRunID  uuid.UUID        `json:"monitored_run_id"`
	MonitoredStepID string           `json:"monitored_step_id"`
	Reason          MonitoringReason `json:"reason"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NewMonitor создаёт запись мониторинга.
func NewMonitor(self StepKey, other StepRef, reason MonitoringReason) *StepExecutionMonitor {
	return &StepExecutionMonitor{
		RunID:           self.RunID,
		StepID:          self.StepID,
		MonitoredRunID:  other.RunID,
		MonitoredStepID: other.StepID,
		Reason:          reason,
		CreatedAt:       time.Now(),
	}
}
