package orchestrator

import (
	"github.com/shaiso/etlflow/internal/domain"
)

// SharedResourceTracker ограничивает число шагов одного типа на общем ресурсе.
//
// Считаются шаги любых run с тем же ResourceID и тем же Kind в статусе RUNNING.
// MaxConcurrent ≤ 0 — без ограничений.
type SharedResourceTracker struct {
	self          domain.StepKey
	resourceID    string
	kind          domain.StepKind
	maxConcurrent int

	running map[domain.StepKey]bool
}

// NewSharedResourceTracker создаёт трекер общего ресурса.
// Лимит берётся из снимка ресурсов run.
func NewSharedResourceTracker(exec *domain.Execution, se *domain.StepExecution) *SharedResourceTracker {
	t := &SharedResourceTracker{
		self:       stepKey(se),
		resourceID: se.Step.ResourceID,
		kind:       se.Step.Kind,
		running:    make(map[domain.StepKey]bool),
	}
	if r, ok := exec.Resources[se.Step.ResourceID]; ok {
		t.maxConcurrent = r.MaxConcurrent
	}
	return t
}

// HandleUpdate учитывает шаги того же ресурса и типа.
func (t *SharedResourceTracker) HandleUpdate(u domain.OrchestrationUpdate) *domain.StepExecutionMonitor {
	if t.resourceID == "" || u.Step.Key() == t.self {
		return nil
	}
	if u.Step.ResourceID != t.resourceID || u.Step.Kind != t.kind {
		return nil
	}

	if u.Status == domain.OrchestrationStatusRunning {
		t.running[u.Step.Key()] = true
		if t.maxConcurrent > 0 {
			return domain.NewMonitor(t.self, u.Step, domain.MonitorResource)
		}
		return nil
	}
	delete(t.running, u.Step.Key())
	return nil
}

// GetStepAction возвращает вердикт по лимиту ресурса.
func (t *SharedResourceTracker) GetStepAction() StepAction {
	if t.resourceID == "" || t.maxConcurrent <= 0 {
		return Execute()
	}
	if len(t.running) >= t.maxConcurrent {
		return Wait("resource %s has %d running %s steps (limit %d)",
			t.resourceID, len(t.running), t.kind, t.maxConcurrent)
	}
	return Execute()
}
