package main

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/solswap/execution-engine/metrics"
)

// PushChannel is one live subscriber. TrySend enqueues a prepared frame
// without blocking and reports false when the subscriber is dead or its
// buffer is full; Close tears the underlying connection down.
type PushChannel interface {
	TrySend(frame []byte) bool
	Close()
}

// PushRegistry maps order ids to their live subscribers. Emit writes one
// identical frame to every subscriber of an order; enqueueing happens on
// the caller's goroutine so frames for one order keep emit order, while the
// per-client writer pumps do the actual sends in parallel.
type PushRegistry struct {
	mu          sync.RWMutex
	subscribers map[string]map[PushChannel]struct{}
	orders      map[PushChannel]string

	logger  *slog.Logger
	metrics *metrics.EngineMetrics
}

func NewPushRegistry(logger *slog.Logger, m *metrics.EngineMetrics) *PushRegistry {
	return &PushRegistry{
		subscribers: make(map[string]map[PushChannel]struct{}),
		orders:      make(map[PushChannel]string),
		logger:      logger,
		metrics:     m,
	}
}

// Register adds a subscriber for an order. Multiple concurrent subscribers
// per order are expected.
func (r *PushRegistry) Register(orderID string, ch PushChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[orderID]; !ok {
		r.subscribers[orderID] = make(map[PushChannel]struct{})
	}
	r.subscribers[orderID][ch] = struct{}{}
	r.orders[ch] = orderID

	r.metrics.WSConnections.Inc()
	r.logger.Info("subscriber registered",
		slog.String("order_id", orderID),
		slog.Int("subscribers", len(r.subscribers[orderID])),
	)
}

// Unregister removes a subscriber from both maps; the order's set is
// dropped when it empties. Safe to call more than once per channel.
func (r *PushRegistry) Unregister(ch PushChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(ch)
}

func (r *PushRegistry) unregisterLocked(ch PushChannel) {
	orderID, ok := r.orders[ch]
	if !ok {
		return
	}

	delete(r.orders, ch)
	if set, ok := r.subscribers[orderID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(r.subscribers, orderID)
		}
	}

	r.metrics.WSConnections.Dec()
	r.logger.Info("subscriber unregistered",
		slog.String("order_id", orderID),
	)
}

// Emit serializes the event once and fans it out to every subscriber of the
// order. Dead subscribers are evicted and counted as misses. Returns the
// number of successful deliveries; zero subscribers is not an error.
func (r *PushRegistry) Emit(orderID string, event *StatusEvent) int {
	frame, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to serialize status event",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		return 0
	}

	r.mu.RLock()
	targets := make([]PushChannel, 0, len(r.subscribers[orderID]))
	for ch := range r.subscribers[orderID] {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()

	delivered := 0
	var dead []PushChannel
	for _, ch := range targets {
		if ch.TrySend(frame) {
			delivered++
		} else {
			dead = append(dead, ch)
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, ch := range dead {
			r.unregisterLocked(ch)
		}
		r.mu.Unlock()
		for _, ch := range dead {
			ch.Close()
		}
	}

	if delivered > 0 {
		r.metrics.EventsDelivered.Add(float64(delivered))
	}

	return delivered
}

// Subscribers returns the current subscriber count for an order.
func (r *PushRegistry) Subscribers(orderID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[orderID])
}

// CloseOrder disconnects every subscriber of an order. Called when the
// order's resources are reaped.
func (r *PushRegistry) CloseOrder(orderID string) {
	r.mu.Lock()
	var targets []PushChannel
	for ch := range r.subscribers[orderID] {
		targets = append(targets, ch)
	}
	for _, ch := range targets {
		r.unregisterLocked(ch)
	}
	r.mu.Unlock()

	for _, ch := range targets {
		ch.Close()
	}
}

// CloseAll disconnects every subscriber. Called on process shutdown.
func (r *PushRegistry) CloseAll() {
	r.mu.Lock()
	var targets []PushChannel
	for ch := range r.orders {
		targets = append(targets, ch)
	}
	for _, ch := range targets {
		r.unregisterLocked(ch)
	}
	r.mu.Unlock()

	for _, ch := range targets {
		ch.Close()
	}
}
