package engine

import "errors"

// Ошибки валидации каталога.
var (
	// ErrEmptySteps — job не содержит шагов.
	ErrEmptySteps = errors.New("job has no steps")

	// ErrEmptyJobID — job не имеет ID.
	ErrEmptyJobID = errors.New("job has empty ID")

	// ErrDuplicateJobID — несколько jobs с одинаковым ID.
	ErrDuplicateJobID = errors.New("duplicate job ID")

	// ErrEmptyStepID — шаг не имеет ID.
	ErrEmptyStepID = errors.New("step has empty ID")

	// ErrDuplicateStepID — несколько шагов с одинаковым ID.
	ErrDuplicateStepID = errors.New("duplicate step ID")

	// ErrUnknownStepKind — неизвестный тип шага.
	ErrUnknownStepKind = errors.New("unknown step kind")

	// ErrMissingPayload — payload не соответствует типу шага.
	ErrMissingPayload = errors.New("step payload does not match kind")

	// ErrMissingDependency — шаг зависит от несуществующего шага.
	ErrMissingDependency = errors.New("step depends on unknown step")

	// ErrSelfDependency — шаг зависит от самого себя.
	ErrSelfDependency = errors.New("step depends on itself")

	// ErrPhaseInversion — в режиме hybrid шаг зависит от шага более поздней фазы.
	ErrPhaseInversion = errors.New("step depends on a later phase")

	// ErrUnknownResource — шаг ссылается на неизвестный ресурс.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrUnknownDataObject — шаг ссылается на неизвестный объект данных.
	ErrUnknownDataObject = errors.New("unknown data object")

	// ErrUnknownJob — шаг типа job ссылается на неизвестный job.
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidSchedule — расписание ссылается на неизвестный job или не имеет cron.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrUnsupportedFormat — неизвестный формат файла каталога.
	ErrUnsupportedFormat = errors.New("unsupported catalog format")
)

// Ошибки вычисления выражений.
var (
	// ErrExpressionParse — ошибка парсинга выражения.
	ErrExpressionParse = errors.New("expression parse failed")

	// ErrExpressionEvaluate — ошибка вычисления выражения.
	ErrExpressionEvaluate = errors.New("expression evaluation failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	JobID   string // ID job, где произошла ошибка
	StepID  string // ID шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	prefix := ""
	if e.JobID != "" {
		prefix = "job " + e.JobID + ": "
	}
	if e.StepID != "" {
		prefix += "step " + e.StepID + ": "
	}
	return prefix + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(jobID, stepID, field, message string, err error) *ValidationError {
	return &ValidationError{
		JobID:   jobID,
		StepID:  stepID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// CycleError — найдены циклические зависимости.
type CycleError struct {
	// Scope — "job" или "step".
	Scope  string
	Cycles [][]string
}

// Error реализует интерфейс error.
func (e *CycleError) Error() string {
	return e.Scope + " dependency cycles detected: " + SerializeCycles(e.Cycles)
}
