package lockmgr

import (
	"sync"
	"time"

	"pkt.systems/itinerd/internal/storage"
)

// docCache is a short-lived read cache of lock documents. A nil doc records
// that the store had nothing for the key.
type docCache struct {
	ttl     time.Duration
	entries sync.Map
}

type cacheEntry struct {
	doc       *storage.LockDocument
	etag      string
	fetchedAt time.Time
}

func newDocCache(ttl time.Duration) *docCache {
	return &docCache{ttl: ttl}
}

func (c *docCache) get(key string, now time.Time) (cacheEntry, bool) {
	if c.ttl <= 0 {
		return cacheEntry{}, false
	}
	v, ok := c.entries.Load(key)
	if !ok {
		return cacheEntry{}, false
	}
	entry := v.(cacheEntry)
	if now.Sub(entry.fetchedAt) >= c.ttl {
		c.entries.CompareAndDelete(key, v)
		return cacheEntry{}, false
	}
	entry.doc = entry.doc.Clone()
	return entry, true
}

func (c *docCache) put(key string, doc *storage.LockDocument, etag string, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.entries.Store(key, cacheEntry{doc: doc.Clone(), etag: etag, fetchedAt: now})
}

func (c *docCache) invalidate(key string) {
	c.entries.Delete(key)
}

// prune drops stale entries and returns how many remain.
func (c *docCache) prune(now time.Time) int {
	live := 0
	c.entries.Range(func(key, v any) bool {
		if now.Sub(v.(cacheEntry).fetchedAt) >= c.ttl {
			c.entries.CompareAndDelete(key, v)
			return true
		}
		live++
		return true
	})
	return live
}

func (c *docCache) len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
