package orchestrator

import (
	"sort"

	"github.com/shaiso/etlflow/internal/domain"
)

// TargetTracker ограничивает число одновременных писателей в объект данных.
//
// Учитываются только объекты, в которые шаг пишет (ReferenceType target)
// и у которых MaxConcurrentWrites > 0.
type TargetTracker struct {
	self domain.StepKey

	// limits — лимит писателей по объекту.
	limits    map[string]int
	objectIDs []string

	// writers — выполняющиеся шаги (любых run), пишущие в объект.
	writers map[string]map[domain.StepKey]bool
}

// NewTargetTracker создаёт трекер объектов данных.
func NewTargetTracker(exec *domain.Execution, se *domain.StepExecution) *TargetTracker {
	t := &TargetTracker{
		self:    stepKey(se),
		limits:  make(map[string]int),
		writers: make(map[string]map[domain.StepKey]bool),
	}

	for _, id := range se.Step.Targets() {
		obj, ok := exec.DataObjects[id]
		if !ok || obj.MaxConcurrentWrites <= 0 {
			continue
		}
		if _, seen := t.limits[id]; !seen {
			t.objectIDs = append(t.objectIDs, id)
		}
		t.limits[id] = obj.MaxConcurrentWrites
		t.writers[id] = make(map[domain.StepKey]bool)
	}
	sort.Strings(t.objectIDs)
	return t
}

// HandleUpdate учитывает шаги, пишущие в те же объекты.
func (t *TargetTracker) HandleUpdate(u domain.OrchestrationUpdate) *domain.StepExecutionMonitor {
	if len(t.limits) == 0 || u.Step.Key() == t.self {
		return nil
	}

	var monitor *domain.StepExecutionMonitor
	for _, id := range t.objectIDs {
		if !u.Step.WritesTo(id) {
			continue
		}
		if u.Status == domain.OrchestrationStatusRunning {
			t.writers[id][u.Step.Key()] = true
			if monitor == nil {
				monitor = domain.NewMonitor(t.self, u.Step, domain.MonitorTarget)
			}
		} else {
			delete(t.writers[id], u.Step.Key())
		}
	}
	return monitor
}

// GetStepAction возвращает вердикт по лимитам писателей.
func (t *TargetTracker) GetStepAction() StepAction {
	for _, id := range t.objectIDs {
		if n := len(t.writers[id]); n >= t.limits[id] {
			return Wait("data object %s has %d running writers (limit %d)", id, n, t.limits[id])
		}
	}
	return Execute()
}
