package cache

import (
	"time"

	"github.com/maypok86/otter/v2"

	"kyt-gateway/work/metrics"
	"kyt-gateway/work/types"
)

// ResolveCache keeps recently resolved sources keyed by normalized query so
// repeated lookups within the TTL never touch the upstream. Entries expire a
// fixed interval after write; playable URLs go stale upstream regardless of
// how often they are read, so access-based expiry would serve dead links.
type ResolveCache struct {
	entries *otter.Cache[string, *types.ResolvedSource]
}

// New builds a resolve cache with the given TTL and capacity.
func New(ttl time.Duration, capacity int) *ResolveCache {
	return &ResolveCache{
		entries: otter.Must(&otter.Options[string, *types.ResolvedSource]{
			MaximumSize:      capacity,
			ExpiryCalculator: otter.ExpiryWriting[string, *types.ResolvedSource](ttl),
		}),
	}
}

// Get returns the cached source for a normalized query, if present.
func (c *ResolveCache) Get(key string) (*types.ResolvedSource, bool) {
	src, ok := c.entries.GetIfPresent(key)
	if ok {
		metrics.ResolveCache.WithLabelValues("hit").Inc()
	} else {
		metrics.ResolveCache.WithLabelValues("miss").Inc()
	}
	return src, ok
}

// Set stores a resolved source under its normalized query.
func (c *ResolveCache) Set(key string, src *types.ResolvedSource) {
	c.entries.Set(key, src)
}

// Invalidate drops one entry. Used when the upstream rejects a cached
// playable URL before its TTL ran out.
func (c *ResolveCache) Invalidate(key string) {
	c.entries.Invalidate(key)
}

// Len returns the current entry count.
func (c *ResolveCache) Len() int {
	return c.entries.EstimatedSize()
}
