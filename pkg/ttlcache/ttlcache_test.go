package ttlcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCacheSetGet(t *testing.T) {
	cache := New[string, int](time.Minute)

	cache.Set("a", 1)
	cache.Set("b", 2)

	v, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = cache.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = cache.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, string](10*time.Minute, WithClock(clock.Now))

	cache.Set("conv", "waiting_token")

	clock.Advance(9 * time.Minute)
	v, ok := cache.Get("conv")
	assert.True(t, ok)
	assert.Equal(t, "waiting_token", v)

	clock.Advance(2 * time.Minute)
	_, ok = cache.Get("conv")
	assert.False(t, ok, "entry should expire after the TTL")
}

func TestCacheSetTTLOverridesDefault(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, int](time.Minute, WithClock(clock.Now))

	cache.SetTTL("long", 1, time.Hour)
	cache.SetTTL("forever", 2, 0)

	clock.Advance(30 * time.Minute)

	_, ok := cache.Get("long")
	assert.True(t, ok)

	clock.Advance(31 * time.Minute)

	_, ok = cache.Get("long")
	assert.False(t, ok)

	_, ok = cache.Get("forever")
	assert.True(t, ok, "zero TTL entries never expire")
}

func TestCacheSetIfAbsent(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, bool](3*time.Minute, WithClock(clock.Now))

	assert.True(t, cache.SetIfAbsent("guard", true))
	assert.False(t, cache.SetIfAbsent("guard", true), "second writer must lose while entry is live")

	clock.Advance(4 * time.Minute)

	assert.True(t, cache.SetIfAbsent("guard", true), "expired entry no longer blocks")
}

func TestCacheDelete(t *testing.T) {
	cache := New[string, int](time.Minute)

	cache.Set("a", 1)
	cache.Delete("a")

	_, ok := cache.Get("a")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	cache.Delete("a")
}

func TestCacheLenAndSweep(t *testing.T) {
	clock := newFakeClock()
	cache := New[int, string](time.Minute, WithClock(clock.Now))

	cache.Set(1, "a")
	cache.Set(2, "b")
	cache.SetTTL(3, "c", time.Hour)

	assert.Equal(t, 3, cache.Len())

	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, cache.Len(), "Len counts only live entries")

	dropped := cache.Sweep()
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheRange(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, int](time.Minute, WithClock(clock.Now))

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.SetTTL("dead", 3, time.Second)

	clock.Advance(10 * time.Second)

	seen := map[string]int{}
	cache.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)

	// Early termination.
	count := 0
	cache.Range(func(string, int) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestCacheJanitor(t *testing.T) {
	cache := New[string, int](20*time.Millisecond, WithJanitorInterval(10*time.Millisecond))
	defer cache.Close()

	cache.Set("a", 1)

	assert.Eventually(t, func() bool {
		cache.mu.RLock()
		defer cache.mu.RUnlock()
		_, present := cache.entries["a"]
		return !present
	}, time.Second, 5*time.Millisecond, "janitor should remove the expired entry")
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := New[int, int](time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cache.Set(n, n*2)
			cache.Get(n)
			cache.SetIfAbsent(n, n)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, cache.Len())
}
