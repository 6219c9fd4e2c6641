// ABOUTME: Thread-safe LRU cache of conversation sessions with an idle TTL.
// ABOUTME: Evicts the least recently used session at capacity and sweeps idle ones in the background.

package session

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a session and its position in the recency list.
type cacheEntry struct {
	session Session
	element *list.Element
}

// Cache provides a thread-safe, idle-TTL, size-limited cache of sessions.
// The recency list keeps the least recently used key at the front so
// eviction is O(1).
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	order    *list.List
	ttl      time.Duration
	capacity int
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// NewCache creates a cache. A ttl of zero disables idle expiry and a
// capacity of zero or less means unbounded. A background goroutine sweeps
// idle entries until Close is called.
func NewCache(ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the session for key and marks it used. Idle-expired sessions
// are dropped and reported as missing.
func (c *Cache) Get(key string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Session{}, false
	}
	now := c.now()
	if c.expired(entry, now) {
		c.removeLocked(key, entry)
		return Session{}, false
	}

	entry.session.LastUsedAt = now
	c.order.MoveToBack(entry.element)
	return entry.session, true
}

// Put inserts or replaces a session, evicting the least recently used one
// when the cache is full. It returns the evicted key, if any.
func (c *Cache) Put(s Session) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[s.Key]; exists {
		entry.session = s
		c.order.MoveToBack(entry.element)
		return ""
	}

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		evicted = c.evictOldest()
	}

	elem := c.order.PushBack(s.Key)
	c.entries[s.Key] = &cacheEntry{session: s, element: elem}
	return evicted
}

// Remove drops key from the cache.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.session.LastUsedAt) > c.ttl
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() string {
	front := c.order.Front()
	if front == nil {
		return ""
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
	return key
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes all idle-expired sessions.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			c.removeLocked(key, entry)
			removed++
		}
	}
	return removed
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
