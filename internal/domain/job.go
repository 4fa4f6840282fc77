package domain

import (
	"fmt"
	"time"
)

// ExecutionMode определяет, какие ограничения порядка действуют внутри run.
type ExecutionMode string

const (
	// ExecutionModePhase — шаги выполняются по фазам (ExecutionPhase).
	ExecutionModePhase ExecutionMode = "phase"

	// ExecutionModeDependency — шаги выполняются по явным зависимостям.
	ExecutionModeDependency ExecutionMode = "dependency"

	// ExecutionModeHybrid — учитываются и фазы, и зависимости.
	ExecutionModeHybrid ExecutionMode = "hybrid"
)

// Job — именованный граф шагов.
//
// Job — это "рецепт" ETL-процесса. Каждый запуск (Execution)
// получает снимок шагов job на момент старта.
type Job struct {
	// ID — уникальный идентификатор job в каталоге.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ExecutionMode — режим упорядочивания шагов (default: hybrid).
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`

	// StopOnFirstError — при ошибке в младшей фазе шаги старших фаз пропускаются.
	StopOnFirstError bool `json:"stop_on_first_error,omitempty" yaml:"stop_on_first_error,omitempty"`

	// MaxParallelSteps — лимит одновременно выполняющихся шагов run (0 — без лимита).
	MaxParallelSteps int `json:"max_parallel_steps,omitempty" yaml:"max_parallel_steps,omitempty"`

	// OvertimeNotificationLimitMinutes — через сколько минут run считается долгим (0 — не следить).
	OvertimeNotificationLimitMinutes int `json:"overtime_notification_limit_minutes,omitempty" yaml:"overtime_notification_limit_minutes,omitempty"`

	// Parameters — параметры уровня job.
	Parameters []JobParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Steps — шаги job.
	Steps []Step `json:"steps" yaml:"steps"`
}

// Mode возвращает режим выполнения с учётом значения по умолчанию.
func (j *Job) Mode() ExecutionMode {
	if j.ExecutionMode == "" {
		return ExecutionModeHybrid
	}
	return j.ExecutionMode
}

// FindStep ищет шаг по ID.
func (j *Job) FindStep(stepID string) (*Step, bool) {
	for i := range j.Steps {
		if j.Steps[i].ID == stepID {
			return &j.Steps[i], true
		}
	}
	return nil, false
}

// JobParameter — параметр job: статическое значение или выражение.
type JobParameter struct {
	Name string `json:"name" yaml:"name"`

	// Value — статическое значение (используется, если Expression пустой).
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Expression — выражение, вычисляемое при старте run.
	// Видит статические значения остальных параметров: {{ .Job.other }}
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// StepKind — тип шага. Закрытое множество: каждому типу соответствует свой payload.
type StepKind string

const (
	StepKindSQL      StepKind = "sql"
	StepKindPipeline StepKind = "pipeline"
	StepKindFunction StepKind = "function"
	StepKindJob      StepKind = "job"
	StepKindHTTP     StepKind = "http"
	StepKindWait     StepKind = "wait"
)

// StepKinds — все известные типы шагов.
var StepKinds = []StepKind{
	StepKindSQL, StepKindPipeline, StepKindFunction, StepKindJob, StepKindHTTP, StepKindWait,
}

// Valid проверяет, что тип шага известен.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindSQL, StepKindPipeline, StepKindFunction, StepKindJob, StepKindHTTP, StepKindWait:
		return true
	default:
		return false
	}
}

// DependencyType — условие, при котором зависимость считается выполненной.
type DependencyType string

const (
	// DependencyOnSucceeded — зависимость должна завершиться успешно.
	DependencyOnSucceeded DependencyType = "on_succeeded"

	// DependencyOnFailed — зависимость должна завершиться неудачей.
	DependencyOnFailed DependencyType = "on_failed"

	// DependencyOnCompleted — достаточно любого финального статуса.
	DependencyOnCompleted DependencyType = "on_completed"
)

// Dependency — ребро "этот шаг зависит от DependsOn".
type Dependency struct {
	StepID string         `json:"step_id" yaml:"step_id"`
	Type   DependencyType `json:"type,omitempty" yaml:"type,omitempty"`
}

// Kind возвращает тип зависимости с учётом значения по умолчанию.
func (d Dependency) Kind() DependencyType {
	if d.Type == "" {
		return DependencyOnSucceeded
	}
	return d.Type
}

// DuplicatePolicy — что делать, если тот же шаг уже выполняется в другом run.
type DuplicatePolicy string

const (
	DuplicateAllow DuplicatePolicy = "allow"
	DuplicateWait  DuplicatePolicy = "wait"
	DuplicateFail  DuplicatePolicy = "fail"
)

// ReferenceType — направление ссылки шага на объект данных.
type ReferenceType string

const (
	ReferenceSource ReferenceType = "source"
	ReferenceTarget ReferenceType = "target"
)

// DataObjectRef — ссылка шага на объект данных.
type DataObjectRef struct {
	ObjectID      string        `json:"object_id" yaml:"object_id"`
	ReferenceType ReferenceType `json:"reference_type" yaml:"reference_type"`
}

// StepParameter — параметр шага.
//
// Значение берётся в порядке приоритета: InheritFrom (параметр job),
// Expression, Value.
type StepParameter struct {
	Name        string `json:"name" yaml:"name"`
	Value       any    `json:"value,omitempty" yaml:"value,omitempty"`
	Expression  string `json:"expression,omitempty" yaml:"expression,omitempty"`
	InheritFrom string `json:"inherit_from,omitempty" yaml:"inherit_from,omitempty"`
}

// Step — неизменяемое определение шага.
type Step struct {
	// ID — уникальный идентификатор шага в рамках job.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя шага.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kind — тип шага; определяет, какой payload заполнен.
	Kind StepKind `json:"kind" yaml:"kind"`

	// Disabled — выключенные шаги не попадают в run.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Phase — фаза выполнения (целочисленная полоса порядка).
	Phase int `json:"phase,omitempty" yaml:"phase,omitempty"`

	// Dependencies — шаги, от которых зависит этот шаг.
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// RetryAttempts — сколько раз можно повторить шаг после неудачи.
	RetryAttempts int `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`

	// RetryIntervalMinutes — пауза между попытками.
	RetryIntervalMinutes int `json:"retry_interval_minutes,omitempty" yaml:"retry_interval_minutes,omitempty"`

	// TimeoutMinutes — таймаут одной попытки (0 — без таймаута).
	TimeoutMinutes int `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`

	// DuplicatePolicy — поведение при параллельном выполнении того же шага в другом run.
	DuplicatePolicy DuplicatePolicy `json:"duplicate_policy,omitempty" yaml:"duplicate_policy,omitempty"`

	// ExecutionCondition — булево выражение; false → шаг пропускается.
	// Например: "{{ eq .Params.mode \"full\" }}"
	ExecutionCondition string `json:"execution_condition,omitempty" yaml:"execution_condition,omitempty"`

	// DataObjects — объекты данных, которые шаг читает или пишет.
	DataObjects []DataObjectRef `json:"data_objects,omitempty" yaml:"data_objects,omitempty"`

	// ResourceID — общий внешний ресурс (подключение, function app, pipeline client).
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`

	// Parameters — параметры шага.
	Parameters []StepParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Payload по типу шага. Заполнен ровно один — соответствующий Kind.
	SQL      *SQLStep      `json:"sql,omitempty" yaml:"sql,omitempty"`
	Pipeline *PipelineStep `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	Function *FunctionStep `json:"function,omitempty" yaml:"function,omitempty"`
	Job      *JobStep      `json:"job,omitempty" yaml:"job,omitempty"`
	HTTP     *HTTPStep     `json:"http,omitempty" yaml:"http,omitempty"`
	Wait     *WaitStep     `json:"wait,omitempty" yaml:"wait,omitempty"`
}

// Duplicates возвращает политику дубликатов с учётом значения по умолчанию.
func (s *Step) Duplicates() DuplicatePolicy {
	if s.DuplicatePolicy == "" {
		return DuplicateWait
	}
	return s.DuplicatePolicy
}

// RetryInterval возвращает паузу между попытками в заданных единицах.
func (s *Step) RetryInterval(unit time.Duration) time.Duration {
	return time.Duration(s.RetryIntervalMinutes) * unit
}

// Targets возвращает ID объектов данных, в которые пишет шаг.
func (s *Step) Targets() []string {
	targets := make([]string, 0, len(s.DataObjects))
	for _, ref := range s.DataObjects {
		if ref.ReferenceType == ReferenceTarget {
			targets = append(targets, ref.ObjectID)
		}
	}
	return targets
}

// Payload возвращает payload шага и проверяет, что он соответствует Kind.
func (s *Step) Payload() (any, error) {
	var payload any
	switch s.Kind {
	case StepKindSQL:
		if s.SQL != nil {
			payload = s.SQL
		}
	case StepKindPipeline:
		if s.Pipeline != nil {
			payload = s.Pipeline
		}
	case StepKindFunction:
		if s.Function != nil {
			payload = s.Function
		}
	case StepKindJob:
		if s.Job != nil {
			payload = s.Job
		}
	case StepKindHTTP:
		if s.HTTP != nil {
			payload = s.HTTP
		}
	case StepKindWait:
		if s.Wait != nil {
			payload = s.Wait
		}
	default:
		return nil, fmt.Errorf("unknown step kind %q", s.Kind)
	}
	if payload == nil {
		return nil, fmt.Errorf("step %s: missing %s payload", s.ID, s.Kind)
	}
	return payload, nil
}

// SQLStep — выполнение SQL-запроса на подключении ResourceID.
type SQLStep struct {
	Statement string `json:"statement" yaml:"statement"`

	// ResultParameter — имя output, в который сохраняется скалярный результат.
	ResultParameter string `json:"result_parameter,omitempty" yaml:"result_parameter,omitempty"`
}

// PipelineStep — запуск pipeline через pipeline client ResourceID.
type PipelineStep struct {
	PipelineName string `json:"pipeline_name" yaml:"pipeline_name"`
}

// FunctionStep — вызов функции в function app ResourceID.
type FunctionStep struct {
	FunctionName string `json:"function_name" yaml:"function_name"`
	Body         any    `json:"body,omitempty" yaml:"body,omitempty"`
}

// JobStep — запуск другого job.
type JobStep struct {
	JobID string `json:"job_id" yaml:"job_id"`

	// Synchronized — ждать ли завершения запущенного job.
	Synchronized bool `json:"synchronized,omitempty" yaml:"synchronized,omitempty"`
}

// HTTPStep — произвольный HTTP-запрос.
type HTTPStep struct {
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    any               `json:"body,omitempty" yaml:"body,omitempty"`
}

// WaitStep — пауза.
type WaitStep struct {
	Seconds float64 `json:"seconds" yaml:"seconds"`
}
