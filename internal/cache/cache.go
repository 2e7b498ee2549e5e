// Package cache provides a process-wide TTL cache with a single-flight
// guarantee for expensive lookups (model catalog, embeddings).
//
// The cache is never a source of truth: losing it must not change pipeline
// outputs, only latency. Entries expire purely on a read-time check against
// the stored expiry; there is no background sweeper.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTLCache memoizes values by key with per-entry expiry. Concurrent callers
// for the same uncached key trigger at most one in-flight compute.
type TTLCache struct {
	disabled bool
	mu       sync.RWMutex
	entries  map[string]entry
	group    singleflight.Group
	now      func() time.Time
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Option configures a TTLCache.
type Option func(*TTLCache)

// Disabled makes the cache a pass-through: every GetOrCompute recomputes and
// nothing is stored. Used to verify cache transparency.
func Disabled() Option {
	return func(c *TTLCache) { c.disabled = true }
}

// withClock overrides the time source; used by tests to force expiry.
func withClock(now func() time.Time) Option {
	return func(c *TTLCache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *TTLCache {
	c := &TTLCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key if present and not expired.
// An expired entry is evicted on this read.
func (c *TTLCache) Get(key string) (any, bool) {
	if c.disabled {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have replaced it.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	if c.disabled {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes key from the cache.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. Concurrent callers for the same uncached key share one compute; the
// losers receive the winner's result. Compute errors are not cached.
func (c *TTLCache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	if c.disabled {
		return compute()
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the entry while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
