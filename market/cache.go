package market

import (
	"maps"
	"sync"
	"time"
)

// Cache holds the most recent price snapshot for a fixed TTL.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	prices    map[string]float64
	fetchedAt time.Time
}

// NewCache creates a cache whose entries expire after ttl. A zero ttl disables caching.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Get returns a copy of the cached snapshot if it is still fresh.
func (c *Cache) Get() (map[string]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.prices == nil || c.ttl <= 0 || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return maps.Clone(c.prices), true
}

// Put stores a snapshot.
func (c *Cache) Put(prices map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = maps.Clone(prices)
	c.fetchedAt = c.now()
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = nil
}
