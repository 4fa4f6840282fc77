package orchestrator

import (
	"sort"

	"github.com/shaiso/etlflow/internal/domain"
)

// ExecutionPhaseTracker пускает шаг, только когда все шаги младших фаз run завершены.
//
// С StopOnFirstError любая неудача в младшей фазе даёт Fail(SKIPPED).
type ExecutionPhaseTracker struct {
	self             domain.StepKey
	phase            int
	stopOnFirstError bool

	// lower — шаги run с фазой строго меньше (stepID → фаза).
	lower    map[string]int
	lowerIDs []string

	status map[string]domain.OrchestrationStatus
}

// NewExecutionPhaseTracker создаёт трекер фаз.
func NewExecutionPhaseTracker(exec *domain.Execution, se *domain.StepExecution) *ExecutionPhaseTracker {
	t := &ExecutionPhaseTracker{
		self:             stepKey(se),
		phase:            se.Step.Phase,
		stopOnFirstError: exec.StopOnFirstError,
		lower:            make(map[string]int),
		status:           make(map[string]domain.OrchestrationStatus),
	}

	for id, other := range exec.StepExecutions {
		if other.Step.Phase < se.Step.Phase {
			t.lower[id] = other.Step.Phase
			t.lowerIDs = append(t.lowerIDs, id)
		}
	}
	sort.Strings(t.lowerIDs)
	return t
}

// HandleUpdate учитывает статус шага младшей фазы того же run.
func (t *ExecutionPhaseTracker) HandleUpdate(u domain.OrchestrationUpdate) *domain.StepExecutionMonitor {
	if u.Step.RunID != t.self.RunID {
		return nil
	}
	if _, ok := t.lower[u.Step.StepID]; !ok {
		return nil
	}

	t.status[u.Step.StepID] = u.Status
	return domain.NewMonitor(t.self, u.Step, domain.MonitorExecutionPhase)
}

// GetStepAction возвращает вердикт по фазам.
func (t *ExecutionPhaseTracker) GetStepAction() StepAction {
	if t.stopOnFirstError {
		for _, id := range t.lowerIDs {
			if t.status[id] == domain.OrchestrationStatusFailed {
				return Fail(domain.StepStatusSkipped,
					"step %s in phase %d failed and the job stops on first error", id, t.lower[id])
			}
		}
	}

	for _, id := range t.lowerIDs {
		if !t.status[id].IsTerminal() {
			return Wait("waiting for phase %d step %s", t.lower[id], id)
		}
	}

	return Execute()
}
