package mq

import (
	"context"

	"github.com/shaiso/etlflow/internal/domain"
)

// EventSink — куда Notifier отправляет события. Реализуется Publisher.
type EventSink interface {
	PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error
}

// Notifier публикует события runs и шагов в etlflow.events.
type Notifier struct {
	sink EventSink
}

// NewNotifier создаёт Notifier.
func NewNotifier(sink EventSink) *Notifier {
	return &Notifier{sink: sink}
}

// NotifyLongRunning публикует run.long_running.
func (n *Notifier) NotifyLongRunning(ctx context.Context, exec *domain.Execution) error {
	payload := runEvent(exec)
	payload.Status = string(domain.ExecutionStatusRunning)
	return n.sink.PublishJSON(ctx, ExchangeEvents, RoutingKeyLongRunning, MessageTypeLongRunning, payload)
}

// NotifyCompletion публикует run.completed.
func (n *Notifier) NotifyCompletion(ctx context.Context, exec *domain.Execution) error {
	return n.sink.PublishJSON(ctx, ExchangeEvents, RoutingKeyCompleted, MessageTypeRunCompleted, runEvent(exec))
}

// PublishStepStatus публикует step.status с финальным статусом шага.
func (n *Notifier) PublishStepStatus(ctx context.Context, se *domain.StepExecution) error {
	attempt := se.CurrentAttempt()
	payload := StepStatusPayload{
		RunID:   se.RunID,
		JobID:   se.JobID,
		StepID:  se.Step.ID,
		Status:  string(attempt.Status),
		Attempt: attempt.RetryAttemptIndex,
		Error:   attempt.ErrorMessage,
	}
	return n.sink.PublishJSON(ctx, ExchangeEvents, RoutingKeyStepStatus, MessageTypeStepStatus, payload)
}

func runEvent(exec *domain.Execution) RunEventPayload {
	return RunEventPayload{
		RunID:      exec.ID,
		JobID:      exec.JobID,
		JobName:    exec.JobName,
		Status:     string(exec.Status),
		CreatedBy:  exec.CreatedBy,
		StoppedBy:  exec.StoppedBy,
		Error:      exec.Error,
		StartedAt:  exec.StartedAt,
		EndedAt:    exec.EndedAt,
		DurationMs: exec.Duration().Milliseconds(),
	}
}
