package ttlcache

import (
	"sync"
	"time"
)

// Cache is a bounded in-process map with per-entry TTL. Expiry is checked on
// every read and stale entries are also removed by an out-of-band sweep, so
// long-running workers do not accumulate dead entries between reads.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]entry[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most capacity entries for ttl each and
// starts a background sweep. Callers should Close it on shutdown.
func New[K comparable, V any](ttl time.Duration, capacity int) *Cache[K, V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Cache[K, V]{
		entries:  make(map[K]entry[V]),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached value when present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value for the configured TTL. When the cache is full, expired
// entries are evicted first; if none expired, an arbitrary entry is dropped
// to keep memory bounded.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes a key, typically on an explicit invalidation event.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the current entry count, expired entries included until swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweep.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[K, V]) evictOneLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			return
		}
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

func (c *Cache[K, V]) sweepLoop() {
	interval := c.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
