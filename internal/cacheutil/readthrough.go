package cacheutil

import (
	"sync"
	"time"
)

// CachedValue represents a cached value with its fetch timestamp.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough implements a thread-safe read-through cache with double-checked locking.
//
//   - checkCache runs under RLock, then again under Lock, and reports a fresh hit.
//   - fetchAndCache runs under Lock on a miss and must store the value itself.
//
// The re-check after acquiring the write lock prevents duplicate fetches when
// several goroutines miss at once.
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Use a fresh timestamp so a value cached while we waited is not treated as expired.
	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}

// TTLCache is a small keyed read-through cache. Failed fetches are not cached.
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[K]CachedValue[V]
}

// NewTTLCache creates a cache whose entries expire after ttl. A non-positive ttl disables caching.
func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:     ttl,
		entries: make(map[K]CachedValue[V]),
	}
}

// Get returns the cached value for key or calls fetch and caches its result.
func (c *TTLCache[K, V]) Get(key K, fetch func() (V, error)) (V, error) {
	if c.ttl <= 0 {
		return fetch()
	}
	return ReadThrough(
		&c.mu,
		func(now time.Time) (V, bool) {
			if entry, ok := c.entries[key]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			var zero V
			return zero, false
		},
		func(now time.Time) (V, error) {
			value, err := fetch()
			if err != nil {
				return value, err
			}
			c.entries[key] = CachedValue[V]{Value: value, FetchedAt: now}
			return value, nil
		},
	)
}

// Invalidate drops a single key.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
