package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeRuns — команды движку: запустить или остановить run.
	ExchangeRuns Exchange = "etlflow.runs"

	// ExchangeEvents — события движка (topic): долгие runs, завершения, статусы шагов.
	ExchangeEvents Exchange = "etlflow.events"

	// ExchangeDLQ — сообщения, которые не удалось обработать.
	ExchangeDLQ Exchange = "etlflow.dlq"
)

// Queues — имена очередей.
const (
	QueueRunRequested Queue = "run.requested"
	QueueRunCancel    Queue = "run.cancel"
	QueueNotify       Queue = "notify.runs"
	QueueDLQRuns      Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyRunRequested RoutingKey = "run.requested"
	RoutingKeyRunCancel    RoutingKey = "run.cancel"
	RoutingKeyLongRunning  RoutingKey = "run.long_running"
	RoutingKeyCompleted    RoutingKey = "run.completed"
	RoutingKeyStepStatus   RoutingKey = "step.status"
	RoutingKeyDLQRuns      RoutingKey = "runs"
)

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeRuns, amqp.ExchangeDirect},
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// run.requested — битые запросы уходят в DLQ
		{QueueRunRequested, dlqArgs},

		// run.cancel — отмена имеет смысл только для активных runs, DLQ не нужна
		{QueueRunCancel, nil},

		// notify.runs — все события для внешних подписчиков (алерты, дашборды)
		{QueueNotify, nil},

		{QueueDLQRuns, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey string
		exchange   Exchange
	}{
		{QueueRunRequested, string(RoutingKeyRunRequested), ExchangeRuns},
		{QueueRunCancel, string(RoutingKeyRunCancel), ExchangeRuns},
		{QueueNotify, "run.*", ExchangeEvents},
		{QueueNotify, "step.*", ExchangeEvents},
		{QueueDLQRuns, string(RoutingKeyDLQRuns), ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),    // queue name
			b.routingKey,       // routing key
			string(b.exchange), // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  etlflow RabbitMQ topology:

    etlflow.runs (direct)
    ├── run.requested [routing: run.requested]
    │       Consumer: engine
    │       DLQ: dlq.runs
    └── run.cancel [routing: run.cancel]
            Consumer: engine

    etlflow.events (topic)
    └── notify.runs [routing: run.*, step.*]
            Consumers: external

    etlflow.dlq (direct)
    └── dlq.runs [routing: runs]
            Manual processing
  `
}
