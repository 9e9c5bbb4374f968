package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/solswap/execution-engine/broker"
	"github.com/solswap/execution-engine/metrics"
)

// publishTimeout bounds how long a publish may hold up lifecycle progress.
const publishTimeout = 2 * time.Second

// ScopeLookup is the narrow slice of the resource manager the publisher
// needs: resolve an order's broker channel and refresh its idle timer. The
// publisher never owns or constructs scopes.
type ScopeLookup interface {
	Channel(orderID string) (broker.Channel, bool)
	Touch(orderID string) bool
}

// EventPublisher turns status events into durable queue entries on the
// per-status queue of the emitting order. Failures are logged and dropped;
// the persisted order row remains the source of truth.
type EventPublisher struct {
	scopes  ScopeLookup
	logger  *slog.Logger
	metrics *metrics.EngineMetrics
}

func NewEventPublisher(scopes ScopeLookup, logger *slog.Logger, m *metrics.EngineMetrics) *EventPublisher {
	return &EventPublisher{
		scopes:  scopes,
		logger:  logger,
		metrics: m,
	}
}

// Publish enqueues one event onto status.<status>.<orderID>. Publishing to
// an order without an open scope is a logged no-op.
func (p *EventPublisher) Publish(ctx context.Context, event *StatusEvent) {
	ch, ok := p.scopes.Channel(event.OrderID)
	if !ok {
		p.logger.Warn("no resource scope for order, dropping event",
			slog.String("order_id", event.OrderID),
			slog.String("status", string(event.Status)),
		)
		p.metrics.EventsDropped.Inc()
		return
	}

	queue := broker.StatusQueue(string(event.Status), event.OrderID)

	tracer := otel.Tracer("execution-engine")
	ctx, span := tracer.Start(ctx, "AMQP - publish - "+queue)
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal status event",
			slog.String("order_id", event.OrderID),
			slog.Any("error", err),
		)
		p.metrics.EventsDropped.Inc()
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(
		pubCtx,
		"",    // default exchange: routing key is the queue name
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      broker.InjectTraceContext(ctx),
			Body:         body,
			Priority:     event.Status.Priority(),
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish status event, dropping",
			slog.String("order_id", event.OrderID),
			slog.String("status", string(event.Status)),
			slog.Any("error", err),
		)
		p.metrics.EventsDropped.Inc()
		return
	}

	p.metrics.EventsPublished.WithLabelValues(string(event.Status)).Inc()

	// Activity on the scope pushes its idle teardown out
	p.scopes.Touch(event.OrderID)
}

var _ Publisher = (*EventPublisher)(nil)
