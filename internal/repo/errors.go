package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound — run или шаг отсутствует в хранилище.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — run с таким ID уже сохранён.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — запись расходится с хранимой: попытка для шага,
	// которого нет в run, или пропуск индекса попытки.
	ErrInvalidState = errors.New("invalid state")
)

// Коды ошибок PostgreSQL, которые переводятся в ошибки пакета.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// translate приводит ошибку pgx к ошибкам пакета, what описывает запись.
// Остальные ошибки оборачиваются как есть.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %s: %w", what, pgErr.ConstraintName, ErrInvalidState)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
