package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/tradefresh/quote-engine/pkg/clock"
)

type cacheItem[T any] struct {
	value     T
	expiresAt time.Time
}

// Cache is a concurrency-safe TTL cache for resolved secrets.
type Cache[T any] struct {
	mu    sync.RWMutex
	data  map[string]cacheItem[T]
	ttl   time.Duration
	clock clock.Clock
}

func NewCache[T any](ttl time.Duration, clk clock.Clock) *Cache[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache[T]{
		data:  make(map[string]cacheItem[T]),
		ttl:   ttl,
		clock: clk,
	}
}

// Get returns the cached value while it is fresh.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	item, ok := c.data[key]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(item.expiresAt) {
		return item.value, true
	}
	if ok {
		c.Bust(key)
	}
	var zero T
	return zero, false
}

func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	c.data[key] = cacheItem[T]{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Bust drops one entry, e.g. after a gateway rejects rotated credentials.
func (c *Cache[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// RunCleaner sweeps expired entries every interval until ctx is done.
func (c *Cache[T]) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache[T]) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	for k, v := range c.data {
		if !now.Before(v.expiresAt) {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}
