package executor

import "errors"

// Ошибки executor'ов.
var (
	// ErrUnknownStepKind — нет executor'а для данного типа шага.
	ErrUnknownStepKind = errors.New("no executor for step kind")

	// ErrMissingResource — шаг требует ресурс, но он не указан или другого типа.
	ErrMissingResource = errors.New("step resource missing or of wrong kind")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrPipelineFailed — pipeline завершился неуспешно.
	ErrPipelineFailed = errors.New("pipeline run failed")

	// ErrSQL — ошибка выполнения SQL.
	ErrSQL = errors.New("sql execution failed")

	// ErrChildJobFailed — дочерний job завершился неуспешно.
	ErrChildJobFailed = errors.New("child job failed")

	// ErrNoLauncher — шаг типа job без настроенного запуска jobs.
	ErrNoLauncher = errors.New("job launcher not configured")
)
