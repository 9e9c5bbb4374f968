package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	mrand "math/rand"
	"time"

	"github.com/solswap/execution-engine/metrics"
)

// OrderLifecycle drives an order through
// pending → routing → building → submitted → confirmed, or into failed from
// any non-terminal stage. All mutation of an order row goes through here;
// the store's guarded transitions serialize concurrent runs per order.
type OrderLifecycle struct {
	store          OrderStore
	router         Router
	chain          Chain
	publisher      Publisher
	logger         *slog.Logger
	metrics        *metrics.EngineMetrics
	confirmTimeout time.Duration
}

func NewOrderLifecycle(store OrderStore, router Router, chain Chain, publisher Publisher, logger *slog.Logger, m *metrics.EngineMetrics) *OrderLifecycle {
	return &OrderLifecycle{
		store:          store,
		router:         router,
		chain:          chain,
		publisher:      publisher,
		logger:         logger,
		metrics:        m,
		confirmTimeout: 60 * time.Second,
	}
}

// Execute runs the full lifecycle for one order. A re-delivered job for an
// order that already left pending is a no-op, which makes execution jobs
// idempotent by order id.
func (l *OrderLifecycle) Execute(ctx context.Context, orderID string) error {
	start := time.Now()

	order, err := l.store.Get(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status != StatusPending {
		l.logger.Info("skipping execution, order already in flight or settled",
			slog.String("order_id", orderID),
			slog.String("status", string(order.Status)),
		)
		return nil
	}

	// ROUTING: pick the best venue
	quote, err := l.router.BestQuote(ctx, order)
	if err != nil {
		return l.fail(ctx, order, "DEX routing failed: "+err.Error())
	}
	if err := l.transition(ctx, order, StatusRouting, StatusFields{}); err != nil {
		return err
	}

	// BUILDING: assemble the swap transaction for the chosen venue
	tx, err := l.router.BuildTx(ctx, order, quote)
	if err != nil {
		return l.fail(ctx, order, "Transaction building failed: "+err.Error())
	}
	if err := l.transition(ctx, order, StatusBuilding, StatusFields{DexType: quote.Dex}); err != nil {
		return err
	}

	// SUBMITTED: broadcast
	txHash, err := l.chain.Submit(ctx, tx)
	if err != nil {
		return l.fail(ctx, order, "Transaction submission failed: "+err.Error())
	}
	if err := l.transition(ctx, order, StatusSubmitted, StatusFields{TxHash: txHash}); err != nil {
		return err
	}

	// CONFIRMED: await finality
	if err := l.chain.AwaitConfirmation(ctx, txHash, l.confirmTimeout); err != nil {
		if errors.Is(err, ErrConfirmationTimeout) {
			return l.fail(ctx, order, "Transaction confirmation timeout")
		}
		return l.fail(ctx, order, "Transaction failed: "+err.Error())
	}

	executedPrice := executedPrice(quote, order.SlippageTolerance)
	if err := l.transition(ctx, order, StatusConfirmed, StatusFields{ExecutedPrice: executedPrice}); err != nil {
		return err
	}

	l.metrics.OrdersConfirmed.Inc()
	l.metrics.LifecycleDuration.Observe(time.Since(start).Seconds())

	l.logger.Info("order confirmed",
		slog.String("order_id", orderID),
		slog.String("dex", order.DexType),
		slog.String("tx_hash", order.TxHash),
		slog.String("executed_price", order.ExecutedPrice),
	)

	return nil
}

// transition persists one forward step and publishes exactly one status
// event once the write has returned. The store refuses the write unless the
// persisted status is the declared predecessor of to.
func (l *OrderLifecycle) transition(ctx context.Context, order *Order, to OrderStatus, fields StatusFields) error {
	updated, err := l.store.UpdateStatus(ctx, order.OrderID, statusPredecessor[to], to, fields)
	if err != nil {
		l.logger.Error("status write failed",
			slog.String("order_id", order.OrderID),
			slog.String("to", string(to)),
			slog.Any("error", err),
		)
		return err
	}

	*order = *updated
	l.publisher.Publish(ctx, eventFromOrder(order))

	return nil
}

// fail moves the order into the terminal failed state. The store write is
// attempted before the stage error is surfaced to the worker; if that write
// fails it is retried once directly, skipping event publication.
func (l *OrderLifecycle) fail(ctx context.Context, order *Order, reason string) error {
	stageErr := errors.New(reason)

	updated, err := l.store.UpdateStatus(ctx, order.OrderID, "", StatusFailed, StatusFields{ErrorReason: reason})
	if err != nil {
		l.logger.Error("failed-state write failed, retrying once",
			slog.String("order_id", order.OrderID),
			slog.Any("error", err),
		)
		if _, err := l.store.UpdateStatus(ctx, order.OrderID, "", StatusFailed, StatusFields{ErrorReason: reason}); err != nil {
			l.logger.Error("failed-state retry write failed, row left behind",
				slog.String("order_id", order.OrderID),
				slog.Any("error", err),
			)
		}
		return stageErr
	}

	*order = *updated
	l.publisher.Publish(ctx, eventFromOrder(order))
	l.metrics.OrdersFailed.Inc()

	l.logger.Warn("order failed",
		slog.String("order_id", order.OrderID),
		slog.String("reason", reason),
	)

	return stageErr
}

// executedPrice applies the slippage rule. With observed slippage
// σ = |Q−E|/E·100 above the tolerance S the fill is clamped to E·(1−S/100);
// otherwise a uniform microvariance in [0, 0.1%) is applied.
func executedPrice(q *Quote, slippageTolerance float64) string {
	e := q.EffectivePrice
	observed := math.Abs(q.QuotePrice-e) / e * 100

	var price float64
	if observed > slippageTolerance {
		price = e * (1 - slippageTolerance/100)
	} else {
		price = e * (1 - mrand.Float64()*0.001)
	}

	return formatPrice(price)
}

var _ Executor = (*OrderLifecycle)(nil)
