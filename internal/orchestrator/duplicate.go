package orchestrator

import (
	"github.com/shaiso/etlflow/internal/domain"
)

// DuplicateExecutionTracker следит за тем же шагом того же job в других run.
//
// Если дубликат выполняется: политика Fail — Fail(DUPLICATE), Wait — Wait,
// Allow — Execute. Без выполняющихся дубликатов — Execute.
type DuplicateExecutionTracker struct {
	self   domain.StepKey
	jobID  string
	policy domain.DuplicatePolicy

	// running — выполняющиеся дубликаты.
	running map[domain.StepKey]bool
}

// NewDuplicateExecutionTracker создаёт трекер дубликатов.
func NewDuplicateExecutionTracker(se *domain.StepExecution) *DuplicateExecutionTracker {
	return &DuplicateExecutionTracker{
		self:    stepKey(se),
		jobID:   se.JobID,
		policy:  se.Step.Duplicates(),
		running: make(map[domain.StepKey]bool),
	}
}

// HandleUpdate учитывает статус того же шага в другом run.
func (t *DuplicateExecutionTracker) HandleUpdate(u domain.OrchestrationUpdate) *domain.StepExecutionMonitor {
	if u.Step.RunID == t.self.RunID || u.Step.JobID != t.jobID || u.Step.StepID != t.self.StepID {
		return nil
	}

	if u.Status == domain.OrchestrationStatusRunning {
		t.running[u.Step.Key()] = true
		return domain.NewMonitor(t.self, u.Step, domain.MonitorDuplicate)
	}
	delete(t.running, u.Step.Key())
	return nil
}

// GetStepAction возвращает вердикт по дубликатам.
func (t *DuplicateExecutionTracker) GetStepAction() StepAction {
	if len(t.running) == 0 || t.policy == domain.DuplicateAllow {
		return Execute()
	}

	var other domain.StepKey
	for k := range t.running {
		if other.StepID == "" || k.RunID.String() < other.RunID.String() {
			other = k
		}
	}

	if t.policy == domain.DuplicateFail {
		return Fail(domain.StepStatusDuplicate, "step %s is already running in run %s", t.self.StepID, other.RunID)
	}
	return Wait("step %s is running in run %s", t.self.StepID, other.RunID)
}
