package monitor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type cachedStatus struct {
	outcome domain.OrderOutcome
	at      time.Time
}

// StatusCache fronts repeated order-status lookups for the same order within
// a few seconds. An entry is never served past its TTL, so a real state
// change is hidden for at most TTL. It is safe for concurrent use.
type StatusCache struct {
	entries map[domain.OrderKey]cachedStatus
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
}

// NewStatusCache creates a cache with the given ttl. A non-positive ttl
// disables caching.
func NewStatusCache(ttl time.Duration, now func() time.Time) *StatusCache {
	if now == nil {
		now = time.Now
	}
	return &StatusCache{
		entries: make(map[domain.OrderKey]cachedStatus),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns a fresh cached outcome for key.
func (c *StatusCache) Get(key domain.OrderKey) (domain.OrderOutcome, bool) {
	if c.ttl <= 0 {
		return domain.OrderOutcome{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.at) >= c.ttl {
		return domain.OrderOutcome{}, false
	}
	return e.outcome, true
}

// Put stores the outcome for key.
func (c *StatusCache) Put(key domain.OrderKey, out domain.OrderOutcome) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cachedStatus{outcome: out, at: c.now()}
	c.mu.Unlock()
}

// Invalidate drops key.
func (c *StatusCache) Invalidate(key domain.OrderKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Cleanup removes expired entries and returns how many remain.
func (c *StatusCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}
