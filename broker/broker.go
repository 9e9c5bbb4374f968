package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Order statuses double as queue name segments. Every order gets its own
// queue family: execute.<orderID>, status.<status>.<orderID> and a single
// dead-letter queue dlq.<orderID>.
const (
	StatusPending   = "pending"
	StatusRouting   = "routing"
	StatusBuilding  = "building"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Statuses lists all order statuses in lifecycle order.
var Statuses = []string{
	StatusPending,
	StatusRouting,
	StatusBuilding,
	StatusSubmitted,
	StatusConfirmed,
	StatusFailed,
}

// MaxRetryCount bounds consumer-side redelivery before a message is handed
// to the dead-letter exchange.
const MaxRetryCount = 3

// DLX routes messages that exhausted their retries to the per-order DLQ,
// keyed by the original queue name.
const DLX = "dlx"

const (
	// MaxPriority is the priority ceiling declared on status queues.
	// Status events are published with a per-status priority below it.
	MaxPriority = 10

	// statusQueueTTL expires undelivered status events after one hour;
	// the persisted order row remains the source of truth.
	statusQueueTTL = int32(time.Hour / time.Millisecond)

	// dlqTTL keeps dead-lettered messages around for a day for inspection.
	dlqTTL = int32(24 * time.Hour / time.Millisecond)
)

// URL builds an AMQP URL from its parts. Use an explicit AMQP_URL
// (amqp:// or amqps://) to override.
func URL(user, pass, host, port string) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)
}

// Channel is the slice of *amqp.Channel the engine touches: publishing,
// consuming and queue topology. Scope owners hold this instead of the
// concrete channel so broker interaction stays swappable in tests.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
}

var _ Channel = (*amqp.Channel)(nil)

// Connect dials the queue substrate and opens a channel on a fresh
// connection. Each order scope holds its own connection, so teardown of one
// order never disturbs another. The returned close function shuts the
// channel before the connection.
func Connect(url string) (*amqp.Channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			conn.Close()
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

// ExecuteQueue returns the execution queue name for an order.
func ExecuteQueue(orderID string) string {
	return "execute." + orderID
}

// StatusQueue returns the status event queue name for an order and status.
func StatusQueue(status, orderID string) string {
	return "status." + status + "." + orderID
}

// DeadLetterQueue returns the per-order DLQ name.
func DeadLetterQueue(orderID string) string {
	return "dlq." + orderID
}

// OrderQueues returns every queue name owned by an order scope, the DLQ
// last.
func OrderQueues(orderID string) []string {
	queues := make([]string, 0, len(Statuses)+2)
	queues = append(queues, ExecuteQueue(orderID))
	for _, status := range Statuses {
		queues = append(queues, StatusQueue(status, orderID))
	}
	queues = append(queues, DeadLetterQueue(orderID))
	return queues
}

// DeclareOrderTopology declares the queue family for one order: the
// execution queue, the six status queues and the DLQ, all wired to the
// shared dead-letter exchange. Declarations are idempotent, so re-opening a
// scope for the same order is safe.
func DeclareOrderTopology(ch Channel, orderID string) error {
	err := ch.ExchangeDeclare(
		DLX,      // name
		"direct", // type: routing key = original queue name
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	execQueue := ExecuteQueue(orderID)
	_, err = ch.QueueDeclare(
		execQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": DLX,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", execQueue, err)
	}

	for _, status := range Statuses {
		queue := StatusQueue(status, orderID)
		_, err = ch.QueueDeclare(
			queue,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-dead-letter-exchange": DLX,
				"x-max-priority":         int32(MaxPriority),
				"x-message-ttl":          statusQueueTTL,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	dlq := DeadLetterQueue(orderID)
	_, err = ch.QueueDeclare(
		dlq,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl": dlqTTL,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}

	// One binding per source queue: the DLX routes by the original queue
	// name, so the whole family dead-letters into the one per-order DLQ.
	for _, queue := range OrderQueues(orderID) {
		if queue == dlq {
			continue
		}
		if err := ch.QueueBind(dlq, queue, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s for %s: %w", dlq, queue, err)
		}
	}

	return nil
}

// DeleteOrderTopology removes every queue owned by an order scope. Messages
// still sitting in the queues are dropped with them; by that point the
// persisted row is the only state that matters.
func DeleteOrderTopology(ch Channel, orderID string) error {
	for _, queue := range OrderQueues(orderID) {
		if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
			return fmt.Errorf("failed to delete queue %s: %w", queue, err)
		}
	}
	return nil
}

// HandleRetry re-publishes a failed delivery to its original queue with an
// incremented x-retry-count header and exponential backoff, or hands it to
// the DLX once MaxRetryCount is reached. The delivery is settled either
// way; callers must not ack or nack it again.
func HandleRetry(ch Channel, d *amqp.Delivery, backoffBase time.Duration, logger *slog.Logger) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers["x-retry-count"].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	if retryCount >= MaxRetryCount {
		logger.Warn("max retries reached, dead-lettering message",
			slog.String("queue", d.RoutingKey),
			slog.Int64("retry_count", retryCount),
		)
		// Nack without requeue: the queue's x-dead-letter-exchange takes
		// over and routes to the per-order DLQ.
		return d.Nack(false, false)
	}

	time.Sleep(backoffBase << (retryCount - 1))

	err := ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			Headers:      d.Headers,
			Body:         d.Body,
			Priority:     d.Priority,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		// Republish failed: keep the original delivery alive instead.
		logger.Error("failed to republish for retry", slog.Any("error", err))
		return d.Nack(false, true)
	}

	return d.Ack(false)
}
