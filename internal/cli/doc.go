// Package cli реализует инструмент командной строки etlflow.
//
// # Обзор
//
// CLI работает в двух режимах:
//   - локально: каталог читается из файла, run выполняется в памяти процесса
//     (Local собирает Global, StepOrchestrator и JobExecutor без БД и очереди);
//   - удалённо: Client ставит runs и отмены в очередь RabbitMQ и читает
//     состояние runs из PostgreSQL развёрнутого etlflow-engine.
//
// # Ключевые компоненты
//
// ## Local
//
//	local := cli.NewLocal(catalog, cli.LocalConfig{MaxParallel: 4})
//	defer local.Close()
//	exec, err := local.Run(ctx, "nightly_load", "alice", params)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) по умолчанию
//   - JSON с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) в stderr:
// etlflow run nightly_load --json | jq .status
//
// ## Commands
//
//   - validate, cycles, jobs, schedules: работа с каталогом
//   - run JOB: локальный запуск
//   - runs: submit, cancel, show (через engine)
//
// Каждая команда создаётся фабричной функцией (NewRunCmd и т.д.),
// принимающей замыкания catalogFn, clientFn и outputFn: они вызываются
// после парсинга PersistentFlags.
package cli
