// Package repo — хранилища runs.
//
//   - ExecutionRepo — PostgreSQL (pgxpool), схема создаётся Migrate
//   - MemoryStore   — в памяти процесса, для CLI и тестов
//
// Оба реализуют orchestrator.Store и orchestrator.PendingLister.
//
// Пул открывается через NewPool, ошибки драйвера приводятся к ErrNotFound,
// ErrAlreadyExists и ErrInvalidState.
package repo
