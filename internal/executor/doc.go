// Package executor выполняет отдельные шаги.
//
// Каждый тип шага (domain.StepKind) обслуживается своим StepExecutor:
//
//	type StepExecutor interface {
//	    Execute(ctx context.Context, req *Request) Result
//	}
//
// Реализации:
//   - WaitExecutor — пауза
//   - HTTPExecutor — произвольный HTTP-запрос
//   - FunctionExecutor — вызов функции в function app
//   - PipelineExecutor — запуск pipeline и опрос его статуса
//   - SQLExecutor — SQL на подключении ресурса (pgx, пул на ресурс)
//   - JobStepExecutor — запуск другого job
//
// Результат всегда один из трёх: Success, Cancel, Failure. Executor не знает
// о retry и статусах попыток: это решает orchestrator.StepOrchestrator.
//
// Registry выбирает executor по типу шага. NewDefaultRegistry регистрирует
// всё, кроме JobStepExecutor, которому нужен запуск jobs.
package executor
