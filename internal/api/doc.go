// Package api содержит HTTP API etlflow-engine.
//
// Структура:
//   - handler.go     — Handler с DI (JobExecutor, хранилище runs, scheduler, каталог)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (logging, recovery)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - job_handler.go — обработчики для /jobs и /schedules
//   - run_handler.go — обработчики для /runs
//
// API позволяет смотреть каталог, запускать jobs и останавливать runs,
// которые выполняются в этом процессе.
package api
