package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPermanent — обработчик не сможет обработать сообщение и при повторе
// (битый payload, неизвестный job). Такое сообщение уходит в DLQ.
var ErrPermanent = errors.New("permanent message error")

// Permanent помечает ошибку как постоянную.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handler обрабатывает доставленное сообщение. Ack/nack выполняет Consumer
// по результату, см. settle.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — разобранное сообщение вместе с AMQP доставкой.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Prefetch — сколько неподтверждённых сообщений держит канал (default: 1).
	Prefetch int
}

// Consumer читает очередь на собственном канале и переподписывается
// после переподключения Connection.
type Consumer struct {
	conn     *Connection
	queue    Queue
	handler  Handler
	prefetch int
	logger   *slog.Logger
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
		logger:   logger.With("queue", string(cfg.Queue)),
	}
}

// Run читает очередь до отмены ctx или закрытия Connection.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		// Подписка на переподключение до открытия канала: иначе его можно пропустить.
		reconnected := c.conn.Reconnected()

		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrConnectionClosed
		case <-reconnected:
		}
	}
}

// session обслуживает очередь на одном канале, пока тот жив.
func (c *Consumer) session(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("consumer started", "prefetch", c.prefetch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	msg, err := decodeMessage(raw.Body)
	if err == nil {
		c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type, "redelivered", raw.Redelivered)
		err = c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	}

	ack, requeue := settle(err, raw.Redelivered)
	if ack {
		if aerr := raw.Ack(false); aerr != nil {
			c.logger.Warn("ack failed", "message_id", msg.ID, "error", aerr)
		}
		return
	}

	c.logger.Error("message rejected",
		"message_id", msg.ID,
		"type", msg.Type,
		"requeue", requeue,
		"error", err,
	)
	if nerr := raw.Nack(false, requeue); nerr != nil {
		c.logger.Warn("nack failed", "message_id", msg.ID, "error", nerr)
	}
}

// settle решает судьбу сообщения по ошибке обработчика.
//
// Успех подтверждается. Постоянная ошибка уходит в DLQ сразу, временная
// возвращается в очередь один раз, повторный сбой тоже уходит в DLQ.
func settle(err error, redelivered bool) (ack, requeue bool) {
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, ErrPermanent):
		return false, false
	default:
		return false, !redelivered
	}
}

func decodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, Permanent(fmt.Errorf("decode message: %w", err))
	}
	if msg.Type == "" {
		return msg, Permanent(errors.New("message without type"))
	}
	return msg, nil
}

// ParsePayload приводит payload сообщения к типу T.
// После разбора конверта Payload хранится как map[string]any.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload %s: %w", msg.Type, err)
	}
	return result, nil
}
