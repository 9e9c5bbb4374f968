package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderCache holds recently read order rows in Redis
type OrderCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOrderCache creates a new Redis cache client
func NewOrderCache(addr string, ttl time.Duration) (*OrderCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password
		DB:       0,  // default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &OrderCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// Close closes the Redis connection
func (c *OrderCache) Close() error {
	return c.client.Close()
}

// GetOrder retrieves an order from cache; a nil order means cache miss
func (c *OrderCache) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	data, err := c.client.Get(ctx, orderKey(orderID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}

	return &o, nil
}

// SetOrder stores an order in cache
func (c *OrderCache) SetOrder(ctx context.Context, o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	if err := c.client.Set(ctx, orderKey(o.OrderID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// Invalidate drops an order from cache
func (c *OrderCache) Invalidate(ctx context.Context, orderID string) error {
	if err := c.client.Del(ctx, orderKey(orderID)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

func orderKey(orderID string) string {
	return "order:" + orderID
}
