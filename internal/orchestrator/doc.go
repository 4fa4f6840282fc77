// Package orchestrator управляет выполнением runs.
//
// Слои:
//   - Global — один на процесс: рассылает обновления статусов шагов
//     трекерам всех runs и решает, какие шаги запускать
//   - Трекеры — политики одного шага: зависимости, фазы, дубликаты,
//     общие ресурсы, объекты данных
//   - StepOrchestrator — машина состояний одного шага (параметры, условие,
//     executor, retry)
//   - JobExecutor — run целиком: циклы, параметры job, долгие runs,
//     итоговый статус, отмена
//   - Service — приём запросов из RabbitMQ и polling хранилища
//
// Трекеры видят только поток OrchestrationUpdate и вызываются под мьютексом
// Global; хранилище трогают только StepOrchestrator и JobExecutor.
package orchestrator
