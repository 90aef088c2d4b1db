package auditledger

import (
	"sync"
	"time"
)

type anchorEntry struct {
	entry     *Entry
	expiresAt time.Time
}

func (a *anchorEntry) expired(now time.Time) bool {
	return now.After(a.expiresAt)
}

// anchorCache holds recently fetched predecessor entries used to anchor the
// verification of a page that does not start at the genesis entry. Entries
// expire after ttl; the cache never grows past max.
type anchorCache struct {
	mu      sync.RWMutex
	entries map[int64]*anchorEntry
	ttl     time.Duration
	max     int
}

func newAnchorCache(ttl time.Duration, max int) *anchorCache {
	return &anchorCache{
		entries: make(map[int64]*anchorEntry),
		ttl:     ttl,
		max:     max,
	}
}

func (c *anchorCache) get(seq int64) (*Entry, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[seq]
	if !ok || a.expired(time.Now()) {
		return nil, false
	}
	return a.entry, true
}

func (c *anchorCache) set(e *Entry) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	if len(c.entries) >= c.max {
		return
	}
	c.entries[e.SequenceNumber] = &anchorEntry{entry: e.Clone(), expiresAt: time.Now().Add(c.ttl)}
}

// evict removes expired entries and returns how many were removed.
func (c *anchorCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *anchorCache) evictLocked() int {
	now := time.Now()
	n := 0
	for k, a := range c.entries {
		if a.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *anchorCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
