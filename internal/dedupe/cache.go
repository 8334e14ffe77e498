// ABOUTME: Thread-safe TTL and size bounded cache of accepted idempotency keys.
// ABOUTME: Maps "conversation|token" to the message ID so client retries skip the write path.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	value   string
	expires time.Time
}

// Cache remembers recently accepted idempotency keys and the message each one
// produced. It is an accelerator only: the store enforces idempotency on its
// own, so a miss is always safe. Least recently used entries are evicted once
// maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = least recently used
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size and starts a
// background sweep of expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Key builds the cache key for a token within a conversation.
func Key(conversationID, token string) string {
	return conversationID + "|" + token
}

// Lookup returns the value stored for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e := elem.Value.(*entry)
	if !c.now().Before(e.expires) {
		c.removeLocked(elem)
		return "", false
	}
	c.order.MoveToBack(elem)
	return e.value, true
}

// Remember stores value under key, refreshing its TTL.
func (c *Cache) Remember(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expires = expires
		c.order.MoveToBack(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, value: value, expires: expires})
}

// Forget drops key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len reports the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
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

// sweep removes every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*entry).expires) {
			c.removeLocked(elem)
		}
		elem = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
