// ABOUTME: Thread-safe TTL cache of idempotency keys and their recorded responses.
// ABOUTME: Lets a retried send replay the first response instead of sending twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status describes a key's state as seen by Begin.
type Status int

const (
	// StatusNew means the key was unknown and is now reserved by the caller.
	StatusNew Status = iota
	// StatusPending means another request holding the key has not finished.
	StatusPending
	// StatusDone means a response was recorded and is returned for replay.
	StatusDone
)

type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	value     V
	done      bool
}

// Cache is a TTL-based, size-limited record of idempotency keys. Entries
// are kept in insertion order for O(1) eviction of the oldest.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	clock   clockwork.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A nil clock uses
// the wall clock. A background goroutine periodically drops expired entries.
func New[V any](ttl time.Duration, maxSize int, clock clockwork.Clock) *Cache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically looks up key and reserves it when absent or expired.
// With StatusDone the recorded value is returned.
func (c *Cache[V]) Begin(key string) (V, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if entry, ok := c.entries[key]; ok && c.clock.Since(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.value, StatusDone
		}
		return zero, StatusPending
	}

	c.removeLocked(key)
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{timestamp: c.clock.Now(), element: elem}
	return zero, StatusNew
}

// Complete records the response for a reserved key. The TTL restarts.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		if len(c.entries) >= c.maxSize {
			c.evictOldest()
		}
		entry = &cacheEntry[V]{element: c.order.PushBack(key)}
		c.entries[key] = entry
	} else {
		c.order.MoveToBack(entry.element)
	}
	entry.value = value
	entry.done = true
	entry.timestamp = c.clock.Now()
}

// Abort releases a reservation without recording a response, so the key
// can be retried.
func (c *Cache[V]) Abort(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.removeLocked(key)
	}
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// caller holds mu
func (c *Cache[V]) removeLocked(key string) {
	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup() {
	ticker := c.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if c.clock.Since(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
