package app

import (
	"sync"
	"time"
)

type memoEntry[T any] struct {
	value    T
	storedAt time.Time
}

// memoCache is a small bounded TTL cache for the auxiliary ref/commit
// endpoints. The timeline cache has its own coordinator; this one only
// needs expiry and a FIFO size bound.
type memoCache[T any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]memoEntry[T]
	order      []string
	now        func() time.Time
}

func newMemoCache[T any](ttl time.Duration, maxEntries int) *memoCache[T] {
	return &memoCache[T]{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]memoEntry[T]),
		now:        time.Now,
	}
}

func (c *memoCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.ttl > 0 && c.now().Sub(entry.storedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return entry.value, true
}

func (c *memoCache[T]) set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = memoEntry[T]{value: value, storedAt: c.now()}
}
