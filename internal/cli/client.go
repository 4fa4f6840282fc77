package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/mq"
	"github.com/shaiso/etlflow/internal/repo"
)

// Client — доступ к развёрнутому etlflow-engine.
//
// Запросы на запуск и остановку уходят в RabbitMQ, состояние runs
// читается из PostgreSQL. Подключения открываются на время одной команды.
type Client struct {
	dbURL   string
	amqpURL string
	logger  *slog.Logger
}

// NewClient создаёт Client.
func NewClient(dbURL, amqpURL string, logger *slog.Logger) *Client {
	if dbURL == "" {
		dbURL = repo.DefaultDSN
	}
	if amqpURL == "" {
		amqpURL = mq.DefaultURL()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dbURL:   dbURL,
		amqpURL: amqpURL,
		logger:  logger,
	}
}

// GetRun возвращает run со всеми шагами и попытками.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*domain.Execution, error) {
	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: c.dbURL, MaxConns: 1, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	exec, found, err := repo.NewExecutionRepo(pool).LookupExecution(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return exec, nil
}

// SubmitRun ставит запуск job в очередь engine.
func (c *Client) SubmitRun(ctx context.Context, jobID, createdBy string, params map[string]any) error {
	return c.withPublisher(ctx, func(p *mq.Publisher) error {
		return p.PublishRunRequested(ctx, mq.RunRequestedPayload{
			JobID:     jobID,
			CreatedBy: createdBy,
			Params:    params,
		})
	})
}

// CancelRun просит engine остановить run (или только указанные шаги).
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID, user string, stepIDs []string) error {
	return c.withPublisher(ctx, func(p *mq.Publisher) error {
		return p.PublishRunCancel(ctx, mq.RunCancelPayload{
			RunID:   runID,
			User:    user,
			StepIDs: stepIDs,
		})
	})
}

func (c *Client) withPublisher(ctx context.Context, fn func(p *mq.Publisher) error) error {
	conn, err := mq.NewConnection(c.amqpURL, c.logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	if err := mq.SetupTopology(ctx, conn); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}
	return fn(mq.NewPublisher(conn, c.logger))
}

func parseRunID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run id %q: %w", s, err)
	}
	return id, nil
}
