package trust

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheTTL is how long a resolved score is served from cache.
	DefaultCacheTTL = 5 * time.Minute

	// defaultCacheSize bounds the number of cached agents.
	defaultCacheSize = 4096
)

// cachedScore is one cache entry. Unknown agents are cached too so a flood
// of unknown identities does not hammer the backend.
type cachedScore struct {
	score int
	known bool
}

// CachingResolver wraps a Resolver with a TTL cache. On backend errors a
// stale entry is served rather than degrading to unknown.
type CachingResolver struct {
	backend Resolver
	cache   *expirable.LRU[string, cachedScore]

	// stale keeps the last good answer per agent beyond the TTL, only
	// consulted when the backend errors.
	stale *expirable.LRU[string, cachedScore]
}

// A compile time flag to ensure the CachingResolver satisfies the Resolver
// interface.
var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver wraps the given backend with a TTL cache.
func NewCachingResolver(backend Resolver, ttl time.Duration) *CachingResolver {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingResolver{
		backend: backend,
		cache: expirable.NewLRU[string, cachedScore](
			defaultCacheSize, nil, ttl,
		),
		stale: expirable.NewLRU[string, cachedScore](
			defaultCacheSize, nil, 24*time.Hour,
		),
	}
}

// Score serves from cache when fresh, otherwise asks the backend. A backend
// error falls back to the last known answer if one exists.
//
// NOTE: This is part of the Resolver interface.
func (c *CachingResolver) Score(ctx context.Context, agentID string) (int,
	bool, error) {

	if entry, ok := c.cache.Get(agentID); ok {
		return entry.score, entry.known, nil
	}

	score, known, err := c.backend.Score(ctx, agentID)
	if err != nil {
		if entry, ok := c.stale.Get(agentID); ok {
			log.Debugf("Serving stale score for %v after "+
				"backend error: %v", agentID, err)
			return entry.score, entry.known, nil
		}
		return 0, false, err
	}

	entry := cachedScore{score: score, known: known}
	c.cache.Add(agentID, entry)
	if known {
		c.stale.Add(agentID, entry)
	}
	return score, known, nil
}

// Close closes the wrapped backend.
//
// NOTE: This is part of the Resolver interface.
func (c *CachingResolver) Close() error {
	return c.backend.Close()
}
