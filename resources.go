package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/solswap/execution-engine/broker"
	"github.com/solswap/execution-engine/metrics"
)

// ErrScopeNotFound reports an operation against an order with no open
// resource scope.
var ErrScopeNotFound = errors.New("no resource scope for order")

// ResourceConfig sizes the per-order queue and worker bundle.
type ResourceConfig struct {
	AMQPUrl               string
	IdleTimeout           time.Duration
	ExecConcurrency       int
	ExecRatePerMinute     int
	DeliveryConcurrency   int
	DeliveryRatePerMinute int
}

// orderScope is the resource bundle owned by one order: a dedicated broker
// connection, its queue family, the consumers bound to it, and the idle
// timer that reaps everything.
type orderScope struct {
	orderID     string
	channel     broker.Channel
	closeBroker func() error
	cancel      context.CancelFunc
	timer       *time.Timer
	enqueued    bool
}

// ResourceManager owns the orderID → scope map. It constructs the workers
// and queues for each scope; the publisher only sees it through the narrow
// ScopeLookup interface.
type ResourceManager struct {
	mu     sync.RWMutex
	scopes map[string]*orderScope

	cfg      ResourceConfig
	registry *PushRegistry
	executor Executor
	logger   *slog.Logger
	metrics  *metrics.EngineMetrics

	// dial opens the dedicated connection for one scope; swapped out in
	// tests.
	dial func(url string) (broker.Channel, func() error, error)
}

func NewResourceManager(cfg ResourceConfig, registry *PushRegistry, logger *slog.Logger, m *metrics.EngineMetrics) *ResourceManager {
	return &ResourceManager{
		scopes:   make(map[string]*orderScope),
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		metrics:  m,
		dial: func(url string) (broker.Channel, func() error, error) {
			return broker.Connect(url)
		},
	}
}

// SetExecutor late-binds the lifecycle. The manager constructs the workers
// that call it, the lifecycle publishes through the manager's scopes; the
// two are wired once at startup, before any scope opens.
func (m *ResourceManager) SetExecutor(executor Executor) {
	m.executor = executor
}

// Open allocates the resource bundle for a new order: a broker connection,
// the seven queues plus DLQ, six delivery workers, one execution worker and
// the idle timer. A second Open for the same order is a no-op; there is at
// most one scope per order.
//
// The dial and topology declaration run outside the scope map lock, so a
// slow broker never stalls Channel and Touch lookups for other orders.
func (m *ResourceManager) Open(ctx context.Context, orderID string) error {
	m.mu.RLock()
	_, exists := m.scopes[orderID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	ch, closeBroker, err := m.dial(m.cfg.AMQPUrl)
	if err != nil {
		return fmt.Errorf("failed to connect order scope %s: %w", orderID, err)
	}

	if err := broker.DeclareOrderTopology(ch, orderID); err != nil {
		closeBroker()
		return fmt.Errorf("failed to declare topology for %s: %w", orderID, err)
	}

	scopeCtx, cancel := context.WithCancel(context.Background())
	scope := &orderScope{
		orderID:     orderID,
		channel:     ch,
		closeBroker: closeBroker,
		cancel:      cancel,
	}

	m.mu.Lock()
	if _, ok := m.scopes[orderID]; ok {
		// Lost the race to a concurrent Open. The declarations were
		// idempotent; only the extra connection needs closing.
		m.mu.Unlock()
		cancel()
		if err := closeBroker(); err != nil {
			m.logger.Error("failed to close duplicate scope connection",
				slog.String("order_id", orderID),
				slog.Any("error", err),
			)
		}
		return nil
	}
	scope.timer = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.reap(orderID)
	})
	m.scopes[orderID] = scope
	m.mu.Unlock()

	exec := newExecutionWorker(ch, orderID, m.executor,
		m.cfg.ExecConcurrency, m.cfg.ExecRatePerMinute, m.logger)
	go exec.run(scopeCtx)

	for _, status := range broker.Statuses {
		worker := newDeliveryWorker(ch, orderID, status, m.registry,
			m.cfg.DeliveryConcurrency, m.cfg.DeliveryRatePerMinute, m.logger, m.metrics)
		go worker.run(scopeCtx)
	}

	m.metrics.ScopesActive.Inc()

	m.logger.Info("order scope opened",
		slog.String("order_id", orderID),
		slog.Duration("idle_timeout", m.cfg.IdleTimeout),
	)

	return nil
}

// EnqueueExecution hands the execution job for an order to its queue. The
// order id is the job key: a second enqueue for the same scope is a no-op.
func (m *ResourceManager) EnqueueExecution(ctx context.Context, orderID string) error {
	m.mu.Lock()
	scope, ok := m.scopes[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScopeNotFound, orderID)
	}
	if scope.enqueued {
		m.mu.Unlock()
		m.logger.Info("execution already enqueued, skipping",
			slog.String("order_id", orderID),
		)
		return nil
	}
	scope.enqueued = true
	ch := scope.channel
	m.mu.Unlock()

	body, err := json.Marshal(executionJob{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("failed to marshal execution job: %w", err)
	}

	err = ch.PublishWithContext(
		ctx,
		"",
		broker.ExecuteQueue(orderID),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      broker.InjectTraceContext(ctx),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		m.mu.Lock()
		scope.enqueued = false
		m.mu.Unlock()
		return fmt.Errorf("failed to enqueue execution for %s: %w", orderID, err)
	}

	return nil
}

// Channel resolves the broker channel for an order scope (ScopeLookup).
func (m *ResourceManager) Channel(orderID string) (broker.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope, ok := m.scopes[orderID]
	if !ok {
		return nil, false
	}
	return scope.channel, true
}

// Touch pushes the idle teardown out; called on every published event
// (ScopeLookup).
func (m *ResourceManager) Touch(orderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope, ok := m.scopes[orderID]
	if !ok {
		return false
	}
	scope.timer.Reset(m.cfg.IdleTimeout)
	return true
}

// Active returns the number of open scopes.
func (m *ResourceManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scopes)
}

// reap tears an idle scope down: stop the workers, delete the queue family,
// close the connection, drop the record, and disconnect the order's
// subscribers.
func (m *ResourceManager) reap(orderID string) {
	m.mu.Lock()
	scope, ok := m.scopes[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.scopes, orderID)
	m.mu.Unlock()

	m.logger.Info("idle timeout reached, reaping order scope",
		slog.String("order_id", orderID),
	)

	m.teardown(scope)
	m.registry.CloseOrder(orderID)
}

func (m *ResourceManager) teardown(scope *orderScope) {
	scope.timer.Stop()
	scope.cancel()

	if err := broker.DeleteOrderTopology(scope.channel, scope.orderID); err != nil {
		m.logger.Error("failed to delete queue state",
			slog.String("order_id", scope.orderID),
			slog.Any("error", err),
		)
	}

	if err := scope.closeBroker(); err != nil {
		m.logger.Error("failed to close broker connection",
			slog.String("order_id", scope.orderID),
			slog.Any("error", err),
		)
	}

	m.metrics.ScopesActive.Dec()

	m.logger.Info("order scope closed",
		slog.String("order_id", scope.orderID),
	)
}

// Shutdown closes every open scope in parallel.
func (m *ResourceManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	scopes := make([]*orderScope, 0, len(m.scopes))
	for _, scope := range m.scopes {
		scopes = append(scopes, scope)
	}
	m.scopes = make(map[string]*orderScope)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, scope := range scopes {
		wg.Add(1)
		go func(s *orderScope) {
			defer wg.Done()
			m.teardown(s)
		}(scope)
	}
	wg.Wait()
}

var _ ScopeLookup = (*ResourceManager)(nil)
var _ ExecutionBackend = (*ResourceManager)(nil)
