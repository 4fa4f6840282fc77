package orchestrator

import (
	"fmt"

	"github.com/shaiso/etlflow/internal/domain"
)

// ActionKind — вердикт трекера.
type ActionKind int

const (
	// ActionWait — шаг пока не может стартовать.
	ActionWait ActionKind = iota

	// ActionExecute — с точки зрения трекера шаг может стартовать.
	ActionExecute

	// ActionFail — шаг завершается без запуска со статусом FailStatus.
	ActionFail

	// ActionCancel — шаг останавливается без запуска (STOPPED).
	ActionCancel
)

// String возвращает имя вердикта.
func (k ActionKind) String() string {
	switch k {
	case ActionWait:
		return "wait"
	case ActionExecute:
		return "execute"
	case ActionFail:
		return "fail"
	case ActionCancel:
		return "cancel"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// StepAction — вердикт трекера для шага.
type StepAction struct {
	Kind ActionKind

	// FailStatus — финальный статус попытки для ActionFail
	// (DEPENDENCIES_FAILED, DUPLICATE, SKIPPED, FAILED).
	FailStatus domain.StepExecutionStatus

	// Message — пояснение (для Wait — на кого ждём, для Fail — причина).
	Message string
}

// Wait создаёт вердикт ActionWait.
func Wait(format string, args ...any) StepAction {
	return StepAction{Kind: ActionWait, Message: fmt.Sprintf(format, args...)}
}

// Execute создаёт вердикт ActionExecute.
func Execute() StepAction {
	return StepAction{Kind: ActionExecute}
}

// Fail создаёт вердикт ActionFail.
func Fail(status domain.StepExecutionStatus, format string, args ...any) StepAction {
	return StepAction{Kind: ActionFail, FailStatus: status, Message: fmt.Sprintf(format, args...)}
}

// Cancel создаёт вердикт ActionCancel.
func Cancel(format string, args ...any) StepAction {
	return StepAction{Kind: ActionCancel, Message: fmt.Sprintf(format, args...)}
}

// String возвращает вердикт в читаемом виде.
func (a StepAction) String() string {
	switch a.Kind {
	case ActionFail:
		return fmt.Sprintf("fail(%s): %s", a.FailStatus, a.Message)
	case ActionExecute:
		return "execute"
	default:
		return a.Kind.String() + ": " + a.Message
	}
}

// CombineActions объединяет вердикты нескольких трекеров одного шага.
//
// Fail и Cancel решающие: возвращается первый из них.
// Wait перекрывает Execute. Execute — только если все трекеры согласны.
// Пустой список — Execute.
func CombineActions(actions ...StepAction) StepAction {
	result := Execute()
	for _, a := range actions {
		switch a.Kind {
		case ActionFail, ActionCancel:
			return a
		case ActionWait:
			if result.Kind == ActionExecute {
				result = a
			}
		}
	}
	return result
}

// Tracker — политика, решающая, может ли шаг стартовать.
//
// Трекер создаётся на один StepExecution, хранит только то, что относится
// к его ограничению, и видит исключительно поток OrchestrationUpdate.
// В хранилище трекеры не ходят: лимиты и политики снимаются при создании.
//
// Вызовы всегда последовательны (под мьютексом Global), поэтому
// собственной синхронизации трекерам не нужно.
type Tracker interface {
	// HandleUpdate учитывает смену статуса другого шага.
	// Возвращает запись мониторинга, если этот шаг из-за него ждёт, иначе nil.
	HandleUpdate(update domain.OrchestrationUpdate) *domain.StepExecutionMonitor

	// GetStepAction возвращает вердикт по всем учтённым обновлениям.
	GetStepAction() StepAction
}

// BuildTrackers создаёт трекеры шага по режиму выполнения run.
//
// Phase — фазы; Dependency — явные зависимости; Hybrid — оба.
// Дубликаты, общие ресурсы и объекты данных проверяются всегда.
func BuildTrackers(exec *domain.Execution, se *domain.StepExecution) []Tracker {
	var trackers []Tracker

	switch exec.ExecutionMode {
	case domain.ExecutionModePhase:
		trackers = append(trackers, NewExecutionPhaseTracker(exec, se))
	case domain.ExecutionModeDependency:
		trackers = append(trackers, NewDependencyTracker(exec, se))
	default:
		trackers = append(trackers, NewExecutionPhaseTracker(exec, se), NewDependencyTracker(exec, se))
	}

	return append(trackers,
		NewDuplicateExecutionTracker(se),
		NewSharedResourceTracker(exec, se),
		NewTargetTracker(exec, se),
	)
}

// stepKey возвращает ключ шага.
func stepKey(se *domain.StepExecution) domain.StepKey {
	return domain.StepKey{RunID: se.RunID, StepID: se.Step.ID}
}
