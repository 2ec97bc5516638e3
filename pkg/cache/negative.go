package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultNegativeCapacity bounds how many known-missing codes are
	// remembered.
	DefaultNegativeCapacity = 4096

	// DefaultNegativeTTL is how long a missing code short-circuits
	// lookups before storage is consulted again.
	DefaultNegativeTTL = time.Minute
)

// negativeCache remembers codes that were recently confirmed absent so
// repeated lookups for them never reach storage.
type negativeCache struct {
	entries *expirable.LRU[string, struct{}]
}

func newNegativeCache(capacity int, ttl time.Duration) *negativeCache {
	if capacity <= 0 {
		capacity = DefaultNegativeCapacity
	}

	if ttl <= 0 {
		ttl = DefaultNegativeTTL
	}

	return &negativeCache{
		entries: expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

// Contains reports whether the code is cached as missing. Get is used
// instead of Contains so expired entries never count.
func (c *negativeCache) Contains(code string) bool {
	_, ok := c.entries.Get(code)

	return ok
}

func (c *negativeCache) Add(code string) { c.entries.Add(code, struct{}{}) }

func (c *negativeCache) Remove(code string) { c.entries.Remove(code) }

func (c *negativeCache) Purge() { c.entries.Purge() }

func (c *negativeCache) Len() int { return c.entries.Len() }
