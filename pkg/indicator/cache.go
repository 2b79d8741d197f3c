// Package indicator memoizes expensive derived values, such as batched note
// counts, for a bounded time.
package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ghostlyemg/emgdash/pkg/metrics"
)

type entry[T any] struct {
	value    T
	cachedAt time.Time
	ttl      time.Duration
}

func (e entry[T]) fresh(now time.Time) bool {
	return now.Sub(e.cachedAt) < e.ttl
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a TTL cache with passive eviction: expired entries are swept on
// every write and never served. There is no background goroutine.
// Concurrent misses on the same key share one computation.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	group   singleflight.Group
	now     func() time.Time

	hits, misses, evictions int64
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithClock replaces time.Now, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// New creates an empty cache.
func New[T any](opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns a fresh cached value for key.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.fresh(c.now()) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores value under key and sweeps expired entries.
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweepLocked(now)
	if ttl <= 0 {
		return
	}
	c.entries[key] = entry[T]{value: value, cachedAt: now, ttl: ttl}
	metrics.IndicatorCacheEntries.Set(float64(len(c.entries)))
}

// GetOrCompute returns the cached value for key or calls fn and caches its
// result for ttl. Errors from fn are returned and not cached. A non-positive
// ttl disables caching for the call.
//
// Concurrent misses on one key share a single call to fn. That call runs
// detached from the caller's cancellation, so one caller giving up does not
// fail the others.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		metrics.IndicatorCacheHits.Inc()
		return v, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.IndicatorCacheMisses.Inc()

	shareCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// A concurrent caller may have populated the entry while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn(shareCtx)
		if err != nil {
			return v, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("indicator.GetOrCompute: %w", ctx.Err())
	}
	if res.Err != nil {
		var zero T
		return zero, fmt.Errorf("indicator.GetOrCompute: %w", res.Err)
	}
	if res.Shared {
		slog.Debug("indicator computation shared", "component", "indicator", "key", key)
	}
	out, _ := res.Val.(T)
	return out, nil
}

// Invalidate drops key.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	metrics.IndicatorCacheEntries.Set(float64(len(c.entries)))
}

// Purge drops every entry.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	metrics.IndicatorCacheEntries.Set(0)
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit, miss and eviction counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

func (c *Cache[T]) sweepLocked(now time.Time) {
	var n int
	for k, e := range c.entries {
		if !e.fresh(now) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.evictions += int64(n)
		metrics.IndicatorCacheEvictions.Add(float64(n))
	}
}

// Key builds an order-independent cache key from identifier lists. Each list
// is sorted on a copy, so Key([]string{"a","b"}) == Key([]string{"b","a"}).
// List position is significant: Key(x, y) differs from Key(y, x).
func Key(parts ...[]string) string {
	norm := make([][]string, len(parts))
	for i, p := range parts {
		s := make([]string, len(p))
		copy(s, p)
		sort.Strings(s)
		norm[i] = s
	}
	b, _ := json.Marshal(norm)
	return string(b)
}
