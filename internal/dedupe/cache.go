// ABOUTME: Thread-safe TTL cache for dropping repeated turn signals.
// ABOUTME: Keys identify a conversation side and the message it relayed.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// Defaults used when a zero Config value is given.
const (
	DefaultTTL             = time.Minute
	DefaultMaxEntries      = 10_000
	DefaultCleanupInterval = time.Minute
)

// Config configures a Cache.
type Config struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache remembers keys for a TTL, bounded by MaxEntries. The oldest key is
// evicted first when full; a doubly-linked list keeps that O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a cache and starts its background cleanup goroutine.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxEntries,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.cleanup(cfg.CleanupInterval)
	return c
}

// SignalKey builds the key for a client signal carrying content on behalf
// of side in a conversation, sent when turn turns had completed. The same
// words repeated at a later turn get a different key. Content is hashed so
// large messages are not retained.
func SignalKey(conversationID, side string, turn int, content string) string {
	sum := sha256.Sum256([]byte(content))
	return conversationID + ":" + side + ":" + strconv.Itoa(turn) + ":" + hex.EncodeToString(sum[:8])
}

// CheckAndMark reports whether key was seen within the TTL. A key that was
// not seen is marked. The check and mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key, now)
	return false
}

// Forget removes key so the next CheckAndMark treats it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, including expired ones not yet
// cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
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

// runCleanup removes expired entries, walking from the oldest.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.timestamp) < c.ttl {
			// Entries behind this one are newer.
			break
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the cleanup goroutine and waits for it. Safe to call more
// than once.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
}
