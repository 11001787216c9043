// ABOUTME: Thread-safe TTL cache for knowledge retrieval results
// ABOUTME: Avoids repeated retrieval round-trips for recently asked questions

package retrieval

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// passageEntry stores cached passages with their insertion timestamp.
type passageEntry struct {
	passages  []Passage
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache of retrieval results
// keyed by (scope, topK, query). Popular questions hit the knowledge service
// once per TTL window instead of once per turn. A doubly-linked list keeps
// insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*passageEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewCache creates a retrieval result cache. A background goroutine
// periodically removes expired entries until Close is called.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*passageEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Wrap returns a Retriever that consults the cache before delegating to r.
// Only successful lookups are cached; failures always retry upstream.
func (c *Cache) Wrap(r Retriever) Retriever {
	return &cachedRetriever{cache: c, inner: r}
}

type cachedRetriever struct {
	cache *Cache
	inner Retriever
}

func (r *cachedRetriever) Search(ctx context.Context, query, scopeID string, topK int) ([]Passage, error) {
	key := fmt.Sprintf("%s|%d|%s", scopeID, topK, query)

	if passages, ok := r.cache.get(key); ok {
		return passages, nil
	}

	passages, err := r.inner.Search(ctx, query, scopeID, topK)
	if err != nil {
		return nil, err
	}
	r.cache.put(key, passages)
	return passages, nil
}

// get returns a copy of the cached passages so callers cannot mutate shared
// state.
func (c *Cache) get(key string) ([]Passage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return nil, false
	}

	out := make([]Passage, len(entry.passages))
	copy(out, entry.passages)
	return out, true
}

// put stores passages for a key. If the cache is at capacity the oldest
// entry is evicted to make room.
func (c *Cache) put(key string, passages []Passage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Refresh in place and move to back if the key already exists
	if entry, exists := c.entries[key]; exists {
		entry.passages = passages
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &passageEntry{
		passages:  passages,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup periodically removes expired entries until Close is called.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
