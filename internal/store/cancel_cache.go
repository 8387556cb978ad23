package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultCancelCacheTTL bounds how stale a cached cancellation flag may be.
const DefaultCancelCacheTTL = 2 * time.Second

// CancelCache fronts a CancelStore with an in-process cache. Cancellation
// flags are polled by every in-flight command, so reads dominate.
type CancelCache struct {
	next  CancelStore
	cache *ristretto.Cache[string, bool]
	ttl   time.Duration
}

// NewCancelCache wraps next. A non-positive ttl uses DefaultCancelCacheTTL.
func NewCancelCache(next CancelStore, ttl time.Duration) (*CancelCache, error) {
	if ttl <= 0 {
		ttl = DefaultCancelCacheTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters:        10_000,
		MaxCost:            1_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cancel cache: %w", err)
	}
	return &CancelCache{next: next, cache: c, ttl: ttl}, nil
}

// SetCancelled writes through to the backing store and drops the cached value.
func (c *CancelCache) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	if err := c.next.SetCancelled(ctx, id, cancelled); err != nil {
		return err
	}
	c.Invalidate(id)
	return nil
}

// IsCancelled returns the cached flag, reading through on a miss.
func (c *CancelCache) IsCancelled(ctx context.Context, id string) (bool, error) {
	if v, ok := c.cache.Get(id); ok {
		return v, nil
	}
	v, err := c.next.IsCancelled(ctx, id)
	if err != nil {
		return false, err
	}
	c.cache.SetWithTTL(id, v, 1, c.ttl)
	c.cache.Wait()
	return v, nil
}

// Invalidate forgets the cached flag for id.
func (c *CancelCache) Invalidate(id string) {
	c.cache.Del(id)
}

// Close releases the cache.
func (c *CancelCache) Close() {
	c.cache.Close()
}
