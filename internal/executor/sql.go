package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/etlflow/internal/domain"
)

// SQLExecutor — executor для шага типа "sql".
//
// Выполняет SQL.Statement на подключении ресурса шага (sql_connection).
// Пул подключений создаётся лениво, один на ресурс. Параметры шага
// доступны в запросе как именованные аргументы: @param_name.
//
// Outputs:
//   - rows_affected (int64) — для statement без ResultParameter
//   - <ResultParameter> (any) — первая колонка первой строки результата
type SQLExecutor struct {
	mu     sync.Mutex
	pools  map[string]*pgxpool.Pool
	logger *slog.Logger
}

// NewSQLExecutor создаёт SQLExecutor.
func NewSQLExecutor(logger *slog.Logger) *SQLExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLExecutor{
		pools:  make(map[string]*pgxpool.Pool),
		logger: logger,
	}
}

// Execute выполняет SQL.
func (e *SQLExecutor) Execute(ctx context.Context, req *Request) Result {
	sqlStep := req.Step.SQL
	if sqlStep == nil {
		return Failed(fmt.Errorf("%w: missing sql payload", ErrSQL))
	}
	if req.Resource == nil || req.Resource.Kind != domain.ResourceSQLConnection {
		return Failed(fmt.Errorf("%w: sql step %s needs a sql_connection resource", ErrMissingResource, req.Step.ID))
	}

	statement, err := req.Render(sqlStep.Statement)
	if err != nil {
		return Failed(err)
	}
	if strings.TrimSpace(statement) == "" {
		return Failed(fmt.Errorf("%w: empty statement", ErrSQL))
	}

	pool, err := e.pool(ctx, req.Resource)
	if err != nil {
		return FromError(ctx, err)
	}

	var args []any
	if strings.Contains(statement, "@") && len(req.Params) > 0 {
		args = append(args, pgx.NamedArgs(req.Params))
	}

	if sqlStep.ResultParameter != "" {
		var value any
		err := pool.QueryRow(ctx, statement, args...).Scan(&value)
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{
				Outcome:  OutcomeSuccess,
				Outputs:  map[string]any{sqlStep.ResultParameter: nil},
				Warnings: []string{"statement returned no rows"},
			}
		}
		if err != nil {
			return FromError(ctx, fmt.Errorf("%w: %w", ErrSQL, err))
		}
		return Succeeded(map[string]any{sqlStep.ResultParameter: value})
	}

	tag, err := pool.Exec(ctx, statement, args...)
	if err != nil {
		return FromError(ctx, fmt.Errorf("%w: %w", ErrSQL, err))
	}
	return Succeeded(map[string]any{"rows_affected": tag.RowsAffected()})
}

// pool возвращает пул подключений ресурса, создавая его при первом обращении.
func (e *SQLExecutor) pool(ctx context.Context, res *domain.Resource) (*pgxpool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pools[res.ID]; ok {
		return p, nil
	}

	cfg, err := pgxpool.ParseConfig(res.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn for resource %s: %v", ErrSQL, res.ID, err)
	}
	if res.MaxConcurrent > 0 {
		cfg.MaxConns = int32(res.MaxConcurrent)
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect resource %s: %w", ErrSQL, res.ID, err)
	}

	e.logger.Info("sql pool created", "resource_id", res.ID, "max_conns", cfg.MaxConns)
	e.pools[res.ID] = p
	return p, nil
}

// Close закрывает все пулы.
func (e *SQLExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.pools {
		p.Close()
		delete(e.pools, id)
	}
}
