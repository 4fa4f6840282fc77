// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//   - notifier.go   — уведомления о runs и шагах
//
// Типы сообщений:
//   - run.requested    — запустить run (существующий или новый по job_id)
//   - run.cancel       — остановить run или его шаги
//   - run.long_running — run превысил лимит времени
//   - run.completed    — run завершён
//   - step.status      — шаг получил финальный статус
//
// Exchanges:
//   - etlflow.runs   — команды движку
//   - etlflow.events — события движка (topic)
//   - etlflow.dlq    — dead letter queue
package mq
