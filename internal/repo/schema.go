package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema — таблицы runs, шагов, попыток и записей мониторинга.
const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id               uuid PRIMARY KEY,
	job_id           text        NOT NULL,
	job_name         text        NOT NULL,
	status           text        NOT NULL,
	created_by       text        NOT NULL,
	settings         jsonb       NOT NULL,
	parameter_values jsonb,
	parameter_errors jsonb,
	error            text,
	stopped_by       text,
	created_at       timestamptz NOT NULL,
	started_at       timestamptz,
	ended_at         timestamptz
);

CREATE INDEX IF NOT EXISTS executions_status_created_idx ON executions (status, created_at);

CREATE TABLE IF NOT EXISTS step_executions (
	run_id           uuid  NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	step_id          text  NOT NULL,
	job_id           text  NOT NULL,
	step             jsonb NOT NULL,
	parameter_values jsonb,
	PRIMARY KEY (run_id, step_id)
);

CREATE TABLE IF NOT EXISTS step_execution_attempts (
	run_id              uuid    NOT NULL,
	step_id             text    NOT NULL,
	retry_attempt_index integer NOT NULL,
	status              text    NOT NULL,
	started_at          timestamptz,
	ended_at            timestamptz,
	error_message       text,
	warning_messages    jsonb,
	info_messages       jsonb,
	stopped_by          text,
	PRIMARY KEY (run_id, step_id, retry_attempt_index),
	FOREIGN KEY (run_id, step_id) REFERENCES step_executions (run_id, step_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS step_execution_monitors (
	run_id            uuid        NOT NULL,
	step_id           text        NOT NULL,
	monitored_run_id  uuid        NOT NULL,
	monitored_step_id text        NOT NULL,
	reason            text        NOT NULL,
	created_at        timestamptz NOT NULL,
	PRIMARY KEY (run_id, step_id, monitored_run_id, monitored_step_id, reason),
	FOREIGN KEY (run_id, step_id) REFERENCES step_executions (run_id, step_id) ON DELETE CASCADE
);
`

// Migrate создаёт таблицы, если их ещё нет.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
