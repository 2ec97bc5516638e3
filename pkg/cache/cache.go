// Package cache provides the in-memory lookup layer for resolved links:
// a scalable Bloom existence filter in front of an LRU of resolved links,
// plus a small negative cache for codes recently confirmed missing.
//
// The filter answers "definitely absent" without touching storage, the
// object cache answers hot lookups without touching storage, and the
// negative cache absorbs repeated lookups for dead codes. All three are
// safe for concurrent use.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shortlinker/shortlinker/pkg/database"
)

// Outcome classifies a cache lookup.
type Outcome int

const (
	// OutcomeMiss means the caller must consult storage.
	OutcomeMiss Outcome = iota

	// OutcomeFound means the link was served from memory.
	OutcomeFound

	// OutcomeNotFound means the code is known to be absent and storage
	// must not be consulted.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "miss"
	}
}

// Config sizes the cache layers. Zero values fall back to the package
// defaults.
type Config struct {
	// Enabled turns the whole layer off when false: every lookup
	// reports a miss and mutations are dropped.
	Enabled bool

	ObjectCapacity int
	ObjectTTL      time.Duration
	ObjectIdleTTL  time.Duration

	NegativeCapacity int
	NegativeTTL      time.Duration

	// FilterCapacity is the expected number of live codes. The filter
	// grows past it without losing entries.
	FilterCapacity uint
	FilterFPRate   float64
}

// Cache composes the existence filter, the object cache, and the
// negative cache behind a single lookup.
type Cache struct {
	clock clockwork.Clock

	// mu guards the component pointers which Reconfigure swaps
	// wholesale; the components themselves are concurrency-safe.
	mu       sync.RWMutex
	enabled  bool
	filter   *existenceFilter
	objects  objectCache
	negative *negativeCache
}

// New builds a Cache for the given configuration. A nil clock selects
// the real one.
func New(cfg Config, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Cache{clock: clock}
	c.apply(cfg)

	return c
}

func (c *Cache) apply(cfg Config) {
	c.enabled = cfg.Enabled
	c.filter = newExistenceFilter(cfg.FilterCapacity, cfg.FilterFPRate)
	c.negative = newNegativeCache(cfg.NegativeCapacity, cfg.NegativeTTL)

	if cfg.Enabled {
		c.objects = newLRUObjectCache(cfg.ObjectCapacity, cfg.ObjectTTL, cfg.ObjectIdleTTL)
	} else {
		c.objects = nullObjectCache{}
	}
}

// Lookup resolves a code from memory.
//
// OutcomeFound carries the link. OutcomeNotFound means the code is
// definitely absent and the caller should answer without touching
// storage. OutcomeMiss means storage must be consulted; an expired entry
// found in memory is reported as a miss and remembered as missing.
func (c *Cache) Lookup(ctx context.Context, code string) (*database.ShortLink, Outcome) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return nil, OutcomeMiss
	}

	if c.negative.Contains(code) {
		recordLookup(ctx, OutcomeNotFound)

		return nil, OutcomeNotFound
	}

	if !c.filter.Test(code) {
		recordLookup(ctx, OutcomeNotFound)

		return nil, OutcomeNotFound
	}

	now := c.clock.Now()

	if link, ok := c.objects.Get(code, now); ok {
		if link.Expired(now) {
			c.objects.Remove(code)
			c.negative.Add(code)
			recordLookup(ctx, OutcomeMiss)

			return nil, OutcomeMiss
		}

		recordLookup(ctx, OutcomeFound)

		return link, OutcomeFound
	}

	recordLookup(ctx, OutcomeMiss)

	return nil, OutcomeMiss
}

// Insert records a live link after a create, an update, or a storage hit
// that followed a miss. Any negative entry for the code is cleared.
func (c *Cache) Insert(link *database.ShortLink) {
	if link == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return
	}

	c.filter.Add(link.Code)
	c.objects.Add(link.Code, link, c.clock.Now())
	c.negative.Remove(link.Code)
}

// Remove evicts a code from the object cache and clears any negative
// entry. The filter keeps the code; the negative cache absorbs lookups
// once storage confirms the miss.
func (c *Cache) Remove(code string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return
	}

	c.objects.Remove(code)
	c.negative.Remove(code)
}

// MarkNotFound remembers that storage confirmed the code absent.
func (c *Cache) MarkNotFound(code string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return
	}

	c.objects.Remove(code)
	c.negative.Add(code)
}

// RecordFalsePositive counts a lookup the filter let through that
// storage then confirmed as missing.
func (c *Cache) RecordFalsePositive(ctx context.Context) {
	recordFalsePositive(ctx)
}

// BloomCheck reports the raw filter answer for a code, bypassing the
// other layers. Used by diagnostics.
func (c *Cache) BloomCheck(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.filter.Test(code)
}

// LoadCodes seeds the existence filter with known codes.
func (c *Cache) LoadCodes(codes []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.filter.AddBatch(codes)
}

// WarmLinks seeds the object cache and the filter with resolved links,
// skipping ones that are already expired.
func (c *Cache) WarmLinks(links []*database.ShortLink) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return
	}

	now := c.clock.Now()

	for _, link := range links {
		if link == nil || link.Expired(now) {
			continue
		}

		c.filter.Add(link.Code)
		c.objects.Add(link.Code, link, now)
	}
}

// ResetFilter rebuilds the existence filter empty at the given sizing.
// The caller is expected to reload codes afterwards.
func (c *Cache) ResetFilter(capacity uint, fpRate float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.filter.Reset(capacity, fpRate)
}

// Reconfigure rebuilds every layer for the new configuration, dropping
// all cached state. The caller reloads codes and warms links afterwards.
func (c *Cache) Reconfigure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.apply(cfg)
}

// Purge drops all cached state but keeps the current sizing.
func (c *Cache) Purge() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.objects.Purge()
	c.negative.Purge()
}

// Stats is a point-in-time snapshot of the cache layers.
type Stats struct {
	Enabled           bool `json:"enabled"`
	Objects           int  `json:"objects"`
	Negative          int  `json:"negative"`
	FilterPartitions  int  `json:"filter_partitions"`
	FilterApproxItems uint `json:"filter_approx_items"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Enabled:           c.enabled,
		Objects:           c.objects.Len(),
		Negative:          c.negative.Len(),
		FilterPartitions:  c.filter.Partitions(),
		FilterApproxItems: c.filter.ApproxItems(),
	}
}
