package main

import (
	"context"
	"log/slog"
)

// CachedStore wraps an OrderStore with a Redis cache-aside read path.
// Every status write refreshes the cached row, so point reads served from
// cache never lag behind the lifecycle by more than a failed cache write.
type CachedStore struct {
	store  OrderStore
	cache  *OrderCache
	logger *slog.Logger
}

// NewCachedStore creates a new cached store
func NewCachedStore(store OrderStore, cache *OrderCache, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

func (s *CachedStore) Create(ctx context.Context, o *Order) error {
	if err := s.store.Create(ctx, o); err != nil {
		return err
	}

	// Best-effort populate; reads fall through to the store on miss
	if err := s.cache.SetOrder(ctx, o); err != nil {
		s.logger.Warn("failed to populate order cache",
			slog.String("order_id", o.OrderID),
			slog.Any("error", err),
		)
	}

	return nil
}

func (s *CachedStore) Get(ctx context.Context, orderID string) (*Order, error) {
	cached, err := s.cache.GetOrder(ctx, orderID)
	if err != nil {
		s.logger.Warn("cache error, falling back to store",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
	} else if cached != nil {
		return cached, nil
	}

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetOrder(ctx, o); err != nil {
		s.logger.Warn("failed to populate order cache",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
	}

	return o, nil
}

// List bypasses the cache; pages are always served from the store
func (s *CachedStore) List(ctx context.Context, limit, offset int) ([]*Order, error) {
	return s.store.List(ctx, limit, offset)
}

func (s *CachedStore) UpdateStatus(ctx context.Context, orderID string, from, to OrderStatus, fields StatusFields) (*Order, error) {
	o, err := s.store.UpdateStatus(ctx, orderID, from, to, fields)
	if err != nil {
		return nil, err
	}

	if cacheErr := s.cache.SetOrder(ctx, o); cacheErr != nil {
		s.logger.Warn("failed to refresh order cache after transition",
			slog.String("order_id", orderID),
			slog.Any("error", cacheErr),
		)
		// Stale entries are worse than misses
		if delErr := s.cache.Invalidate(ctx, orderID); delErr != nil {
			s.logger.Warn("failed to invalidate order cache",
				slog.String("order_id", orderID),
				slog.Any("error", delErr),
			)
		}
	}

	return o, nil
}

var _ OrderStore = (*CachedStore)(nil)
