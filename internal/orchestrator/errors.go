package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished — run уже в финальном статусе.
	ErrRunFinished = errors.New("run already finished")

	// ErrRunAlreadyActive — run уже выполняется: в этом процессе или захвачен другим исполнителем.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunNotActive — run не выполняется в этом процессе (для отмены).
	ErrRunNotActive = errors.New("run not in active runs")

	// ErrStepNotFound — шаг не найден в run.
	ErrStepNotFound = errors.New("step not found in run")

	// ErrJobNotFound — job не найден в каталоге.
	ErrJobNotFound = errors.New("job not found")

	// ErrDependencyCycle — в графе шагов или jobs найден цикл.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrPhaseOrder — в режиме hybrid шаг зависит от шага более поздней фазы.
	ErrPhaseOrder = errors.New("dependency on a later phase")

	// ErrAlreadyRegistered — шаги run уже зарегистрированы в Global.
	ErrAlreadyRegistered = errors.New("run already registered")

	// ErrTrackerPanic — трекер запаниковал.
	ErrTrackerPanic = errors.New("tracker panicked")

	// ErrParameterEvaluation — не удалось вычислить параметр или условие.
	ErrParameterEvaluation = errors.New("parameter evaluation failed")

	// ErrOrchestratorStopped — сервис остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
