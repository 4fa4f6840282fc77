// Package telemetry — логи и метрики движка.
//
// Логгер сервиса настраивается через LOG_LEVEL и LOG_FORMAT, CLI пишет текстом
// в stderr. RunLogger и StepLogger добавляют к записям run_id, job_id и step_id.
//
// Metrics регистрирует счётчики переходов шагов, длительности runs и ошибок
// трекеров. Все методы безопасны для nil, поэтому оркестраторы работают и без метрик.
package telemetry
