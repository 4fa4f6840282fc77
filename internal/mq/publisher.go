package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunRequested MessageType = "run.requested"
	MessageTypeRunCancel    MessageType = "run.cancel"
	MessageTypeLongRunning  MessageType = "run.long_running"
	MessageTypeRunCompleted MessageType = "run.completed"
	MessageTypeStepStatus   MessageType = "step.status"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunRequestedPayload — запрос на выполнение run.
//
// Либо RunID (run уже создан в хранилище), либо JobID (создать новый run).
type RunRequestedPayload struct {
	RunID     uuid.UUID      `json:"run_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// RunCancelPayload — запрос на остановку run или отдельных шагов.
type RunCancelPayload struct {
	RunID   uuid.UUID `json:"run_id"`
	User    string    `json:"user"`
	StepIDs []string  `json:"step_ids,omitempty"`
}

// RunEventPayload — событие уровня run (долгий run, завершение).
type RunEventPayload struct {
	RunID      uuid.UUID  `json:"run_id"`
	JobID      string     `json:"job_id"`
	JobName    string     `json:"job_name"`
	Status     string     `json:"status"`
	CreatedBy  string     `json:"created_by,omitempty"`
	StoppedBy  string     `json:"stopped_by,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// StepStatusPayload — финальный статус шага.
type StepStatusPayload struct {
	RunID   uuid.UUID `json:"run_id"`
	JobID   string    `json:"job_id"`
	StepID  string    `json:"step_id"`
	Status  string    `json:"status"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJSON оборачивает payload в Message и публикует.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	return p.Publish(ctx, exchange, routingKey, NewMessage(msgType, payload))
}

// PublishRunRequested публикует запрос на выполнение run.
// Потребитель: engine.
func (p *Publisher) PublishRunRequested(ctx context.Context, payload RunRequestedPayload) error {
	return p.PublishJSON(ctx, ExchangeRuns, RoutingKeyRunRequested, MessageTypeRunRequested, payload)
}

// PublishRunCancel публикует запрос на остановку run.
// Потребитель: engine.
func (p *Publisher) PublishRunCancel(ctx context.Context, payload RunCancelPayload) error {
	return p.PublishJSON(ctx, ExchangeRuns, RoutingKeyRunCancel, MessageTypeRunCancel, payload)
}

// NewMessage создаёт конверт с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
