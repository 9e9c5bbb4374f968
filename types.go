package main

import (
	"context"
	"time"
)

// OrderStatus is the lifecycle state of an order. Transitions are forward
// only: pending → routing → building → submitted → confirmed, with failed
// reachable from any non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

// statusPredecessor maps each forward state to the only state it may be
// entered from. The lifecycle passes it as the transition guard, and the
// store refuses any write whose persisted status does not match it.
var statusPredecessor = map[OrderStatus]OrderStatus{
	StatusRouting:   StatusPending,
	StatusBuilding:  StatusRouting,
	StatusSubmitted: StatusBuilding,
	StatusConfirmed: StatusSubmitted,
}

// statusPriority is the AMQP priority attached to published status events.
// Terminal states outrank progress states within a queue.
var statusPriority = map[OrderStatus]uint8{
	StatusFailed:    10,
	StatusConfirmed: 9,
	StatusSubmitted: 8,
	StatusBuilding:  7,
	StatusRouting:   6,
	StatusPending:   5,
}

// Priority returns the publish priority for a status.
func (s OrderStatus) Priority() uint8 {
	return statusPriority[s]
}

// Terminal reports whether no further transitions may leave this status.
func (s OrderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Order is the central entity. JSON field names are the wire names used by
// both the REST responses and the stream frames.
type Order struct {
	OrderID           string      `json:"orderId"`
	TokenIn           string      `json:"tokenIn"`
	TokenOut          string      `json:"tokenOut"`
	AmountIn          string      `json:"amountIn"`
	SlippageTolerance float64     `json:"slippageTolerance"`
	MinAmountOut      string      `json:"minAmountOut,omitempty"`
	Status            OrderStatus `json:"status"`
	DexType           string      `json:"dexType,omitempty"`
	ExecutedPrice     string      `json:"executedPrice,omitempty"`
	TxHash            string      `json:"txHash,omitempty"`
	ErrorReason       string      `json:"errorReason,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// StatusEvent is the record flowing through the per-status queues and, as a
// frame, to stream subscribers.
type StatusEvent struct {
	OrderID       string      `json:"orderId"`
	Status        OrderStatus `json:"status"`
	DexType       string      `json:"dexType,omitempty"`
	ExecutedPrice string      `json:"executedPrice,omitempty"`
	TxHash        string      `json:"txHash,omitempty"`
	ErrorReason   string      `json:"errorReason,omitempty"`
	Timestamp     string      `json:"timestamp"`
}

// eventFromOrder builds the status event for an order's current state.
func eventFromOrder(o *Order) *StatusEvent {
	return &StatusEvent{
		OrderID:       o.OrderID,
		Status:        o.Status,
		DexType:       o.DexType,
		ExecutedPrice: o.ExecutedPrice,
		TxHash:        o.TxHash,
		ErrorReason:   o.ErrorReason,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// connectedFrame is sent once when a stream subscriber attaches.
type connectedFrame struct {
	Type      string `json:"type"`
	OrderID   string `json:"orderId"`
	Timestamp string `json:"timestamp"`
}

// pongFrame answers a client ping.
type pongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// clientMessage is the only inbound frame shape clients may send.
type clientMessage struct {
	Type string `json:"type"`
}

// StatusFields carries the optional columns written alongside a status
// transition. Zero values leave the stored column untouched.
type StatusFields struct {
	DexType       string
	ExecutedPrice string
	TxHash        string
	ErrorReason   string
}

// OrderStore is the durable CRUD capability over orders. UpdateStatus is
// guarded: the write only lands if the persisted status equals from, or, if
// from is empty, any non-terminal status.
type OrderStore interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	List(ctx context.Context, limit, offset int) ([]*Order, error)
	UpdateStatus(ctx context.Context, orderID string, from, to OrderStatus, fields StatusFields) (*Order, error)
}

// Quote is a price record returned by a router for a given order.
type Quote struct {
	Dex            string  `json:"dex"`
	QuotePrice     float64 `json:"quotePrice"`
	EffectivePrice float64 `json:"effectivePrice"`
	FeePct         float64 `json:"feePct"`
	LatencyMs      int64   `json:"latencyMs"`
}

// Router quotes an order across DEXes and builds the swap transaction.
type Router interface {
	BestQuote(ctx context.Context, o *Order) (*Quote, error)
	BuildTx(ctx context.Context, o *Order, q *Quote) ([]byte, error)
}

// Chain submits transactions and awaits their confirmation.
type Chain interface {
	Submit(ctx context.Context, tx []byte) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) error
}

// Publisher enqueues status events onto the emitting order's status queue.
// Publication is best effort; the persisted row stays canonical.
type Publisher interface {
	Publish(ctx context.Context, event *StatusEvent)
}

// Executor drives one order through its lifecycle. Implemented by
// OrderLifecycle, consumed by the execution worker.
type Executor interface {
	Execute(ctx context.Context, orderID string) error
}

// ExecutionBackend is what the HTTP surface needs from the per-order
// resource manager: open a scope and hand off the execution job.
type ExecutionBackend interface {
	Open(ctx context.Context, orderID string) error
	EnqueueExecution(ctx context.Context, orderID string) error
}
