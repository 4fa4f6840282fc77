package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
)

// Outcome — трёхзначный результат executor'а.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeCancel  Outcome = "CANCEL"
	OutcomeFailure Outcome = "FAILURE"
)

// Request — всё, что нужно executor'у для одной попытки шага.
type Request struct {
	RunID     uuid.UUID
	JobID     string
	CreatedBy string

	// Step — снимок определения шага.
	Step domain.Step

	// Attempt — индекс текущей попытки (0 — первая).
	Attempt int

	// Resource — общий ресурс шага (nil, если шаг на него не ссылается).
	Resource *domain.Resource

	// Params — вычисленные параметры шага.
	Params map[string]any

	// Bindings — значения для рендеринга payload.
	Bindings engine.Bindings
}

// Render рендерит строку payload с параметрами запроса.
func (r *Request) Render(s string) (string, error) {
	return engine.Render(s, r.Bindings)
}

// Result — результат executor'а.
type Result struct {
	Outcome Outcome

	// Outputs — выходные данные шага (сохраняются в параметры шага).
	Outputs map[string]any

	// Warnings — предупреждения: шаг завершится WARNING вместо SUCCEEDED.
	Warnings []string

	// Info — информационные сообщения попытки.
	Info []string

	// Err — причина Failure или Cancel.
	Err error
}

// Succeeded создаёт успешный результат.
func Succeeded(outputs map[string]any) Result {
	return Result{Outcome: OutcomeSuccess, Outputs: outputs}
}

// Failed создаёт результат Failure.
func Failed(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}

// Cancelled создаёт результат Cancel.
func Cancelled(err error) Result {
	return Result{Outcome: OutcomeCancel, Err: err}
}

// FromError превращает ошибку в Result: отмена контекста — Cancel, иначе Failure.
func FromError(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return Cancelled(err)
	}
	return Failed(err)
}

// StepExecutor — внешний исполнитель шага одного типа.
//
// Executor обязан завершиться, когда ctx отменён (кооперативная отмена),
// и вернуть Cancel.
type StepExecutor interface {
	Execute(ctx context.Context, req *Request) Result
}

// Func — функция как StepExecutor.
type Func func(ctx context.Context, req *Request) Result

// Execute вызывает f.
func (f Func) Execute(ctx context.Context, req *Request) Result {
	return f(ctx, req)
}

// Registry — реестр executor'ов по типу шага.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.StepKind]StepExecutor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.StepKind]StepExecutor)}
}

// NewDefaultRegistry создаёт реестр с executor'ами wait, http, function, pipeline, sql.
//
// Executor для шагов типа job регистрируется отдельно (ему нужен запуск jobs).
func NewDefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	client := cfg.httpClient()
	r.Register(domain.StepKindWait, &WaitExecutor{})
	r.Register(domain.StepKindHTTP, &HTTPExecutor{Client: client})
	r.Register(domain.StepKindFunction, &FunctionExecutor{Client: client})
	r.Register(domain.StepKindPipeline, &PipelineExecutor{Client: client, PollInterval: cfg.PipelinePollInterval})
	r.Register(domain.StepKindSQL, NewSQLExecutor(cfg.Logger))
	return r
}

// Register добавляет executor для типа шага.
func (r *Registry) Register(kind domain.StepKind, executor StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = executor
}

// Get возвращает executor для типа шага.
func (r *Registry) Get(kind domain.StepKind) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepKind, kind)
	}
	return executor, nil
}

// Close закрывает executor'ы, держащие ресурсы (пулы подключений).
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.executors {
		if c, ok := e.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
