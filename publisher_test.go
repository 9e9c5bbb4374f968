package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solswap/execution-engine/broker"
)

// fakeScopeLookup serves one shared channel for every order, or none.
type fakeScopeLookup struct {
	ch      *fakeBrokerChannel
	touched []string
}

func (f *fakeScopeLookup) Channel(string) (broker.Channel, bool) {
	if f.ch == nil {
		return nil, false
	}
	return f.ch, true
}

func (f *fakeScopeLookup) Touch(orderID string) bool {
	f.touched = append(f.touched, orderID)
	return true
}

func TestPublishEnqueuesOnStatusQueue(t *testing.T) {
	scopes := &fakeScopeLookup{ch: newFakeBrokerChannel()}
	p := NewEventPublisher(scopes, testLogger(), testMetrics())

	event := &StatusEvent{OrderID: "o-1", Status: StatusRouting, Timestamp: "2026-01-01T00:00:00Z"}
	p.Publish(context.Background(), event)

	require.Equal(t, []string{"status.routing.o-1"}, scopes.ch.publishedKeys())

	msg := scopes.ch.publishings[0]
	assert.Equal(t, StatusRouting.Priority(), msg.Priority)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)

	var got StatusEvent
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, *event, got)

	// Successful publishes refresh the scope's idle timer
	assert.Equal(t, []string{"o-1"}, scopes.touched)
}

func TestPublishPriorityPerStatus(t *testing.T) {
	scopes := &fakeScopeLookup{ch: newFakeBrokerChannel()}
	p := NewEventPublisher(scopes, testLogger(), testMetrics())

	for _, status := range []OrderStatus{StatusFailed, StatusConfirmed, StatusPending} {
		p.Publish(context.Background(), &StatusEvent{OrderID: "o-1", Status: status})
	}

	require.Len(t, scopes.ch.publishings, 3)
	assert.Equal(t, uint8(10), scopes.ch.publishings[0].Priority)
	assert.Equal(t, uint8(9), scopes.ch.publishings[1].Priority)
	assert.Equal(t, uint8(5), scopes.ch.publishings[2].Priority)
}

func TestPublishWithoutScopeDrops(t *testing.T) {
	scopes := &fakeScopeLookup{}
	p := NewEventPublisher(scopes, testLogger(), testMetrics())

	// A reaped or never-opened scope makes publication a no-op
	p.Publish(context.Background(), &StatusEvent{OrderID: "gone", Status: StatusConfirmed})
	assert.Empty(t, scopes.touched)
}

func TestPublishFailureDropsEvent(t *testing.T) {
	ch := newFakeBrokerChannel()
	ch.publishErr = errors.New("channel closed")
	scopes := &fakeScopeLookup{ch: ch}
	p := NewEventPublisher(scopes, testLogger(), testMetrics())

	p.Publish(context.Background(), &StatusEvent{OrderID: "o-1", Status: StatusRouting})

	assert.Empty(t, ch.publishedKeys())
	assert.Empty(t, scopes.touched)
}
