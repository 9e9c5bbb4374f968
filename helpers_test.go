package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/solswap/execution-engine/metrics"
)

var (
	testMetricsOnce sync.Once
	testMetricsInst *metrics.EngineMetrics
)

// testMetrics returns a process-wide metrics instance; promauto registers
// collectors globally, so tests share one.
func testMetrics() *metrics.EngineMetrics {
	testMetricsOnce.Do(func() {
		testMetricsInst = metrics.NewEngineMetrics("test")
	})
	return testMetricsInst
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory OrderStore with the same guard semantics as the
// PostgreSQL implementation.
type fakeStore struct {
	mu          sync.Mutex
	orders      map[string]*Order
	created     []string
	failGets    int
	failUpdates int
	updateErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]*Order)}
}

func (s *fakeStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	cp := *o
	s.orders[o.OrderID] = &cp
	s.created = append(s.created, o.OrderID)
	return nil
}

func (s *fakeStore) Get(_ context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failGets > 0 {
		s.failGets--
		return nil, ErrOrderNotFound
	}

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) List(_ context.Context, limit, offset int) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []*Order
	for i := len(s.created) - 1; i >= 0; i-- {
		cp := *s.orders[s.created[i]]
		orders = append(orders, &cp)
	}
	if offset >= len(orders) {
		return nil, nil
	}
	orders = orders[offset:]
	if limit < len(orders) {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, orderID string, from, to OrderStatus, fields StatusFields) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates > 0 {
		s.failUpdates--
		return nil, s.updateErr
	}

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if from == "" {
		if o.Status.Terminal() {
			return nil, ErrInvalidTransition
		}
	} else if o.Status != from {
		return nil, ErrInvalidTransition
	}

	o.Status = to
	if fields.DexType != "" {
		o.DexType = fields.DexType
	}
	if fields.ExecutedPrice != "" {
		o.ExecutedPrice = fields.ExecutedPrice
	}
	if o.TxHash == "" {
		o.TxHash = fields.TxHash
	}
	if to == StatusFailed {
		o.ErrorReason = fields.ErrorReason
	}
	o.UpdatedAt = time.Now().UTC()

	cp := *o
	return &cp, nil
}

// fakePublisher records published events in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []*StatusEvent
}

func (p *fakePublisher) Publish(_ context.Context, event *StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) statuses() []OrderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]OrderStatus, len(p.events))
	for i, e := range p.events {
		statuses[i] = e.Status
	}
	return statuses
}

type fakeRouter struct {
	quote    *Quote
	quoteErr error
	tx       []byte
	buildErr error
}

func (r *fakeRouter) BestQuote(_ context.Context, _ *Order) (*Quote, error) {
	if r.quoteErr != nil {
		return nil, r.quoteErr
	}
	return r.quote, nil
}

func (r *fakeRouter) BuildTx(_ context.Context, _ *Order, _ *Quote) ([]byte, error) {
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	return r.tx, nil
}

type fakeChain struct {
	txHash     string
	submitErr  error
	confirmErr error
}

func (c *fakeChain) Submit(_ context.Context, _ []byte) (string, error) {
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return c.txHash, nil
}

func (c *fakeChain) AwaitConfirmation(_ context.Context, _ string, _ time.Duration) error {
	return c.confirmErr
}

// fakeBrokerChannel records topology and publish activity; deliveries is
// never fed, so consumers stay parked.
type fakeBrokerChannel struct {
	mu          sync.Mutex
	publishKeys []string
	publishings []amqp.Publishing
	publishErr  error
	declared    []string
	deleted     []string
	consumed    []string
	deliveries  chan amqp.Delivery
}

func newFakeBrokerChannel() *fakeBrokerChannel {
	return &fakeBrokerChannel{deliveries: make(chan amqp.Delivery)}
}

func (c *fakeBrokerChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishKeys = append(c.publishKeys, key)
	c.publishings = append(c.publishings, msg)
	return nil
}

func (c *fakeBrokerChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed = append(c.consumed, queue)
	return c.deliveries, nil
}

func (c *fakeBrokerChannel) ExchangeDeclare(_, _ string, _, _, _, _ bool, _ amqp.Table) error {
	return nil
}

func (c *fakeBrokerChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeBrokerChannel) QueueBind(_, _, _ string, _ bool, _ amqp.Table) error {
	return nil
}

func (c *fakeBrokerChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, name)
	return 0, nil
}

func (c *fakeBrokerChannel) declaredQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declared...)
}

func (c *fakeBrokerChannel) deletedQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

func (c *fakeBrokerChannel) publishedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.publishKeys...)
}

// fakeBackend records scope opens and execution handoffs.
type fakeBackend struct {
	mu         sync.Mutex
	opened     []string
	enqueued   []string
	openErr    error
	enqueueErr error
}

func (b *fakeBackend) Open(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return b.openErr
	}
	b.opened = append(b.opened, orderID)
	return nil
}

func (b *fakeBackend) EnqueueExecution(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.enqueued = append(b.enqueued, orderID)
	return nil
}
