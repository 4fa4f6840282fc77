// Package scheduler запускает runs по cron-расписаниям каталога.
//
// Scheduler периодически проверяет расписания с истекшим NextDueAt
// и запускает job через Launcher (orchestrator.JobExecutor).
//
// Структура:
//   - scheduler.go — основная логика Scheduler (Tick, processSchedule)
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: catalog.Schedules,
//	    Launcher:  jobs,
//	    Logger:    logger,
//	})
//
//	go sched.Run(ctx)
//
// Scheduler живёт в одном процессе с JobExecutor: распределённого
// планирования и leader election нет.
package scheduler
