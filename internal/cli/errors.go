package cli

import "errors"

var (
	// ErrRunFailed — локальный run завершился со статусом FAILED или STOPPED.
	ErrRunFailed = errors.New("run did not succeed")

	// ErrRunNotFound — run не найден в хранилище engine.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidParam — параметр не в формате KEY=VALUE.
	ErrInvalidParam = errors.New("invalid parameter, expected KEY=VALUE")

	// ErrCyclesFound — в каталоге есть циклы зависимостей.
	ErrCyclesFound = errors.New("dependency cycles found")
)
