package inbox

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSeenCacheSize = 1024
	DefaultSeenCacheTTL  = 10 * time.Minute
)

// SeenCache remembers message ids that were already applied to the
// conversation list, so a redelivered push or an HTTP ack racing its push
// echo does not move or count a conversation twice. It is bounded to a fixed
// number of entries (least recently used evicted first) and entries expire.
type SeenCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewSeenCache returns a cache holding at most size ids for ttl each.
// Non-positive arguments fall back to the defaults.
func NewSeenCache(size int, ttl time.Duration) *SeenCache {
	if size <= 0 {
		size = DefaultSeenCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultSeenCacheTTL
	}
	return &SeenCache{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// MarkSeen records id and reports whether it had already been recorded.
// The empty id is never considered seen.
func (c *SeenCache) MarkSeen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := c.lru.Peek(id); ok {
		return true
	}
	c.lru.Add(id, struct{}{})
	return false
}

// has reports whether id is recorded, without recording it.
func (c *SeenCache) has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := c.lru.Peek(id)
	return ok
}

// Forget drops id.
func (c *SeenCache) Forget(id string) {
	c.lru.Remove(id)
}

// Reset drops every id.
func (c *SeenCache) Reset() {
	c.lru.Purge()
}

func (c *SeenCache) size() int {
	return c.lru.Len()
}
