package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shortlinker/shortlinker/pkg/database"
)

const (
	// DefaultObjectCapacity bounds the number of resolved links kept in
	// memory.
	DefaultObjectCapacity = 10000

	// DefaultObjectTTL is how long an entry may live regardless of use.
	DefaultObjectTTL = 15 * time.Minute

	// DefaultObjectIdleTTL evicts entries nobody has resolved recently.
	DefaultObjectIdleTTL = 5 * time.Minute
)

// objectCache holds fully resolved links keyed by code. Implementations
// must be safe for concurrent use.
type objectCache interface {
	Get(code string, now time.Time) (*database.ShortLink, bool)
	Add(code string, link *database.ShortLink, now time.Time)
	Remove(code string)
	Purge()
	Len() int
}

type objectEntry struct {
	link *database.ShortLink

	insertedAt time.Time

	// lastAccess is unix nanoseconds, updated on every hit.
	lastAccess atomic.Int64
}

// lruObjectCache is an LRU of objectEntry with two expiry rules checked
// lazily on access: a hard TTL from insertion and an idle TTL from the
// last hit.
type lruObjectCache struct {
	entries *lru.Cache[string, *objectEntry]

	ttl     time.Duration
	idleTTL time.Duration
}

func newLRUObjectCache(capacity int, ttl, idleTTL time.Duration) *lruObjectCache {
	if capacity <= 0 {
		capacity = DefaultObjectCapacity
	}

	if ttl <= 0 {
		ttl = DefaultObjectTTL
	}

	if idleTTL <= 0 {
		idleTTL = DefaultObjectIdleTTL
	}

	entries, err := lru.New[string, *objectEntry](capacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}

	return &lruObjectCache{
		entries: entries,
		ttl:     ttl,
		idleTTL: idleTTL,
	}
}

func (c *lruObjectCache) Get(code string, now time.Time) (*database.ShortLink, bool) {
	entry, ok := c.entries.Get(code)
	if !ok {
		return nil, false
	}

	if now.Sub(entry.insertedAt) > c.ttl || now.Sub(time.Unix(0, entry.lastAccess.Load())) > c.idleTTL {
		c.entries.Remove(code)

		return nil, false
	}

	entry.lastAccess.Store(now.UnixNano())

	return entry.link, true
}

func (c *lruObjectCache) Add(code string, link *database.ShortLink, now time.Time) {
	entry := &objectEntry{
		link:       link,
		insertedAt: now,
	}
	entry.lastAccess.Store(now.UnixNano())

	c.entries.Add(code, entry)
}

func (c *lruObjectCache) Remove(code string) { c.entries.Remove(code) }

func (c *lruObjectCache) Purge() { c.entries.Purge() }

func (c *lruObjectCache) Len() int { return c.entries.Len() }

// nullObjectCache never stores anything. It backs offline tooling and the
// cache-disabled mode where every lookup must reach storage.
type nullObjectCache struct{}

func (nullObjectCache) Get(string, time.Time) (*database.ShortLink, bool) { return nil, false }

func (nullObjectCache) Add(string, *database.ShortLink, time.Time) {}

func (nullObjectCache) Remove(string) {}

func (nullObjectCache) Purge() {}

func (nullObjectCache) Len() int { return 0 }
