// ABOUTME: Thread-safe TTL guard for tracking consumed nonces and challenge ids.
// ABOUTME: Provides an atomic check-and-consume so concurrent validations cannot both pass.

package replay

import (
	"container/list"
	"sync"
	"time"
)

// guardEntry stores the consumption timestamp and list element for a key.
type guardEntry struct {
	consumedAt time.Time
	element    *list.Element
}

// Guard tracks recently consumed nonce keys in memory. It sits in front of the
// persistent nonce store as a fast replay fence: the check-and-consume is a
// single operation under one lock, so two concurrent validations of the same
// nonce can never both proceed. Entries expire after the TTL, which must be at
// least as long as the longest challenge expiry window it guards.
// Uses a doubly-linked list for O(1) eviction of the oldest key at capacity.
type Guard struct {
	mu       sync.RWMutex
	consumed map[string]*guardEntry
	order    *list.List // keys in consumption order, oldest at front
	ttl      time.Duration
	maxSize  int
	done     chan struct{}
	closed   bool
}

// New creates a replay guard with the specified TTL and maximum tracked keys.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		consumed: make(map[string]*guardEntry),
		order:    list.New(),
		ttl:      ttl,
		maxSize:  maxSize,
		done:     make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Seen reports whether the key has been consumed within the TTL window.
func (g *Guard) Seen(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entry, ok := g.consumed[key]
	if !ok {
		return false
	}
	return time.Since(entry.consumedAt) < g.ttl
}

// Consume atomically checks whether a key was already consumed and marks it if
// not. Returns true if the key was already consumed (replay), false if it was
// fresh and is now consumed. Separate Seen/mark calls would leave a TOCTOU
// window where two concurrent validations both observe the key as fresh.
func (g *Guard) Consume(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.consumed[key]
	if ok && time.Since(entry.consumedAt) < g.ttl {
		return true
	}

	g.consumeLocked(key)
	return false
}

// consumeLocked records the key as consumed. Must be called with mu held.
func (g *Guard) consumeLocked(key string) {
	now := time.Now()

	// Re-consuming an expired key refreshes its window.
	if entry, exists := g.consumed[key]; exists {
		entry.consumedAt = now
		g.order.MoveToBack(entry.element)
		return
	}

	if len(g.consumed) >= g.maxSize {
		g.evictOldest()
	}

	elem := g.order.PushBack(key)
	g.consumed[key] = &guardEntry{
		consumedAt: now,
		element:    elem,
	}
}

// evictOldest removes the oldest tracked key. Must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.consumed, key)
}

// cleanupLoop periodically drops expired entries.
func (g *Guard) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.runCleanup()
		case <-g.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (g *Guard) runCleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, entry := range g.consumed {
		if now.Sub(entry.consumedAt) > g.ttl {
			g.order.Remove(entry.element)
			delete(g.consumed, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
