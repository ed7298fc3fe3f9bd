package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded last-price cache; entries carry their observation time
// so readers can refuse stale prices.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price observed now. Non-positive prices are ignored.
func (c *PriceCache) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// GetFresh returns the price only if it was observed within maxAge.
func (c *PriceCache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	entry, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok || c.now().Sub(entry.updatedAt) > maxAge {
		return 0, false
	}
	return entry.price, true
}

// Get returns the last price regardless of age.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	entry, ok := s.items[symbol]
	s.mu.RUnlock()
	return entry.price, ok
}

// Delete removes a symbol from the cache.
func (c *PriceCache) Delete(symbol string) {
	s := c.shard(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
}

// Cleanup removes entries older than maxAge and reports how many were dropped.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, entry := range s.items {
			if entry.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// All returns every cached price (status API).
func (c *PriceCache) All() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, entry := range s.items {
			out[sym] = entry.price
		}
		s.mu.RUnlock()
	}
	return out
}
