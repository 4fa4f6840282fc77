package orchestrator

import (
	"sort"

	"github.com/shaiso/etlflow/internal/domain"
)

// DependencyTracker следит за явными зависимостями шага внутри его run.
//
// Правила (по порядку):
//  1. Пока выполняется хоть один шаг, зависящий от этого, — Wait.
//  2. Зависимость OnSucceeded завершилась неудачей или OnFailed успехом — Fail(DEPENDENCIES_FAILED).
//  3. Все зависимости в финальном статусе — Execute, иначе Wait.
//
// Правило 1 срабатывает независимо от типа зависимости downstream-шага.
type DependencyTracker struct {
	self domain.StepKey

	// upstream — шаги, от которых зависит этот (stepID → тип зависимости).
	upstream    map[string]domain.DependencyType
	upstreamIDs []string

	// downstream — шаги того же run, которые зависят от этого.
	downstream    map[string]bool
	downstreamIDs []string

	// status — последний увиденный статус каждого upstream/downstream шага.
	status map[string]domain.OrchestrationStatus
}

// NewDependencyTracker создаёт трекер зависимостей.
//
// Зависимости на шаги, которых нет в run (выключены), не учитываются.
func NewDependencyTracker(exec *domain.Execution, se *domain.StepExecution) *DependencyTracker {
	t := &DependencyTracker{
		self:       stepKey(se),
		upstream:   make(map[string]domain.DependencyType),
		downstream: make(map[string]bool),
		status:     make(map[string]domain.OrchestrationStatus),
	}

	for _, dep := range se.Step.Dependencies {
		if _, ok := exec.StepExecutions[dep.StepID]; !ok || dep.StepID == se.Step.ID {
			continue
		}
		if _, seen := t.upstream[dep.StepID]; !seen {
			t.upstreamIDs = append(t.upstreamIDs, dep.StepID)
		}
		t.upstream[dep.StepID] = dep.Kind()
	}

	for id, other := range exec.StepExecutions {
		if id == se.Step.ID {
			continue
		}
		for _, dep := range other.Step.Dependencies {
			if dep.StepID == se.Step.ID {
				t.downstream[id] = true
				t.downstreamIDs = append(t.downstreamIDs, id)
				break
			}
		}
	}

	sort.Strings(t.upstreamIDs)
	sort.Strings(t.downstreamIDs)
	return t
}

// HandleUpdate учитывает статус upstream/downstream шага того же run.
func (t *DependencyTracker) HandleUpdate(u domain.OrchestrationUpdate) *domain.StepExecutionMonitor {
	if u.Step.RunID != t.self.RunID {
		return nil
	}

	id := u.Step.StepID
	if _, ok := t.upstream[id]; ok {
		t.status[id] = u.Status
		return domain.NewMonitor(t.self, u.Step, domain.MonitorUpstreamDependency)
	}
	if t.downstream[id] {
		t.status[id] = u.Status
		if u.Status == domain.OrchestrationStatusRunning {
			return domain.NewMonitor(t.self, u.Step, domain.MonitorDownstreamDependency)
		}
	}
	return nil
}

// GetStepAction возвращает вердикт по зависимостям.
func (t *DependencyTracker) GetStepAction() StepAction {
	for _, id := range t.downstreamIDs {
		if t.status[id] == domain.OrchestrationStatusRunning {
			return Wait("dependent step %s is running", id)
		}
	}

	for _, id := range t.upstreamIDs {
		switch t.upstream[id] {
		case domain.DependencyOnSucceeded:
			if t.status[id] == domain.OrchestrationStatusFailed {
				return Fail(domain.StepStatusDependenciesFailed, "dependency %s failed", id)
			}
		case domain.DependencyOnFailed:
			if t.status[id] == domain.OrchestrationStatusSucceeded {
				return Fail(domain.StepStatusDependenciesFailed, "dependency %s succeeded, expected failure", id)
			}
		}
	}

	for _, id := range t.upstreamIDs {
		if !t.status[id].IsTerminal() {
			return Wait("waiting for dependency %s", id)
		}
	}

	return Execute()
}
