package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/solswap/execution-engine/broker"
	"github.com/solswap/execution-engine/metrics"
)

const (
	executionBackoffBase = 2 * time.Second
	deliveryBackoffBase  = time.Second
)

// executionJob is the payload on execute.<orderID>; the order id is the job
// key.
type executionJob struct {
	OrderID string `json:"orderId"`
}

// executionWorker consumes the per-order execution queue and runs the
// lifecycle. Failed jobs are retried up to broker.MaxRetryCount times with
// exponential backoff, then dead-lettered; by then the lifecycle has
// already persisted the failed state, so the loss is logs-only.
type executionWorker struct {
	ch       broker.Channel
	queue    string
	executor Executor
	limiter  *rate.Limiter
	sem      chan struct{}
	logger   *slog.Logger
}

func newExecutionWorker(ch broker.Channel, orderID string, executor Executor, concurrency, ratePerMinute int, logger *slog.Logger) *executionWorker {
	return &executionWorker{
		ch:       ch,
		queue:    broker.ExecuteQueue(orderID),
		executor: executor,
		limiter:  rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), concurrency),
		sem:      make(chan struct{}, concurrency),
		logger:   logger.With(slog.String("queue", broker.ExecuteQueue(orderID))),
	}
}

func (w *executionWorker) run(ctx context.Context) {
	msgs, err := w.ch.Consume(
		w.queue,
		"",    // consumer tag: auto-generated
		false, // manual ack, required for the retry path
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		w.logger.Error("failed to start execution consumer", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-w.sem }()
				w.handle(ctx, d)
			}(d)
		}
	}
}

func (w *executionWorker) handle(ctx context.Context, d amqp.Delivery) {
	ctx = broker.ExtractTraceContext(ctx, d.Headers)
	tracer := otel.Tracer("execution-engine")
	ctx, span := tracer.Start(ctx, "AMQP - consume - "+w.queue)
	defer span.End()

	var job executionJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.logger.Error("failed to unmarshal execution job", slog.Any("error", err))
		if err := broker.HandleRetry(w.ch, &d, executionBackoffBase, w.logger); err != nil {
			w.logger.Error("error handling retry", slog.Any("error", err))
		}
		return
	}

	if err := w.executor.Execute(ctx, job.OrderID); err != nil {
		w.logger.Error("lifecycle run failed",
			slog.String("order_id", job.OrderID),
			slog.Any("error", err),
		)
		if err := broker.HandleRetry(w.ch, &d, executionBackoffBase, w.logger); err != nil {
			w.logger.Error("error handling retry", slog.Any("error", err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		w.logger.Error("failed to ack execution job", slog.Any("error", err))
	}
}

// deliveryWorker consumes one per-order status queue and fans the event out
// through the push registry. Zero live subscribers still counts as a
// successful delivery.
type deliveryWorker struct {
	ch       broker.Channel
	queue    string
	status   string
	registry *PushRegistry
	limiter  *rate.Limiter
	sem      chan struct{}
	logger   *slog.Logger
	metrics  *metrics.EngineMetrics
}

func newDeliveryWorker(ch broker.Channel, orderID, status string, registry *PushRegistry, concurrency, ratePerMinute int, logger *slog.Logger, m *metrics.EngineMetrics) *deliveryWorker {
	queue := broker.StatusQueue(status, orderID)
	return &deliveryWorker{
		ch:       ch,
		queue:    queue,
		status:   status,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), concurrency),
		sem:      make(chan struct{}, concurrency),
		logger:   logger.With(slog.String("queue", queue)),
		metrics:  m,
	}
}

func (w *deliveryWorker) run(ctx context.Context) {
	msgs, err := w.ch.Consume(
		w.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		w.logger.Error("failed to start delivery consumer", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-w.sem }()
				w.handle(ctx, d)
			}(d)
		}
	}
}

func (w *deliveryWorker) handle(ctx context.Context, d amqp.Delivery) {
	ctx = broker.ExtractTraceContext(ctx, d.Headers)
	tracer := otel.Tracer("execution-engine")
	_, span := tracer.Start(ctx, "AMQP - consume - "+w.queue)
	defer span.End()

	var event StatusEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		w.logger.Error("failed to unmarshal status event", slog.Any("error", err))
		if err := broker.HandleRetry(w.ch, &d, deliveryBackoffBase, w.logger); err != nil {
			w.logger.Error("error handling retry", slog.Any("error", err))
		}
		return
	}

	delivered := w.registry.Emit(event.OrderID, &event)
	w.logger.Debug("status event delivered",
		slog.String("order_id", event.OrderID),
		slog.String("status", string(event.Status)),
		slog.Int("subscribers", delivered),
	)

	if err := d.Ack(false); err != nil {
		w.logger.Error("failed to ack status event", slog.Any("error", err))
	}
}
