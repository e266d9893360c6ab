// Package ttlcache provides a generic in-process cache with per-entry TTL.
// It backs the factory's short-lived shared state (conversation map,
// creation-in-progress guard, analytics results) in single-instance
// deployments. No external dependencies - uses only standard library.
package ttlcache

import (
	"sync"
	"time"
)

// entry is a stored value with its expiry instant.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// expired reports whether the entry is past its expiry at the given instant.
func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a thread-safe map whose entries expire after a TTL.
// Expired entries are dropped lazily on access and in bulk by Sweep.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	defaultTTL time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	janitorInterval time.Duration
	clock           func() time.Time
}

// WithJanitorInterval starts a background goroutine that sweeps expired
// entries at the given interval. Without it, expiry is lazy.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.janitorInterval = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New creates a Cache whose entries expire defaultTTL after being set.
// A non-positive defaultTTL means entries never expire unless SetTTL is used.
func New[K comparable, V any](defaultTTL time.Duration, opts ...Option) *Cache[K, V] {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		defaultTTL: defaultTTL,
		now:        o.clock,
		stopCh:     make(chan struct{}),
	}

	if o.janitorInterval > 0 {
		go c.janitor(o.janitorInterval)
	}

	return c
}

// Get returns the live value for key, if present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		c.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL.
// A non-positive ttl stores the entry without expiry.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// SetIfAbsent stores value under key only when no live entry exists.
// It returns true when the value was stored. The check and the write are
// atomic, so concurrent callers race for exactly one winner.
func (c *Cache[K, V]) SetIfAbsent(key K, value V) bool {
	return c.SetIfAbsentTTL(key, value, c.defaultTTL)
}

// SetIfAbsentTTL is SetIfAbsent with an explicit TTL.
func (c *Cache[K, V]) SetIfAbsentTTL(key K, value V, ttl time.Duration) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.expired(now) {
		return false
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	return true
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Range calls fn for every live entry until fn returns false.
// The iteration order is unspecified.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	now := c.now()

	c.mu.RLock()
	snapshot := make(map[K]V, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			snapshot[k] = e.value
		}
	}
	c.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Close stops the janitor goroutine, if one was started.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache[K, V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}
