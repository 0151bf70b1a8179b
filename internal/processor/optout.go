package processor

import (
	"context"
	"sync"
	"time"

	"tangled.org/appview/indexer/internal/store"
)

// optOutCache maps DID -> dataCollectionForbidden, consulted before any
// write attributed to that DID. It is a hot-path flag, not a filter: ops
// are dropped before they reach storage at all, because some downstream
// rows (notifications, aggregations) are not attributed to the authoring
// DID and would be hard to clean up retroactively once written.
type optOutCache struct {
	st store.Store

	mu        sync.Mutex
	forbidden map[string]bool
	lastLoad  map[string]time.Time
	ttl       time.Duration
}

func newOptOutCache(st store.Store, ttl time.Duration) *optOutCache {
	return &optOutCache{
		st:        st,
		forbidden: make(map[string]bool),
		lastLoad:  make(map[string]time.Time),
		ttl:       ttl,
	}
}

// Forbidden consults the cache, refreshing from storage if the entry is
// missing or stale.
func (c *optOutCache) Forbidden(ctx context.Context, did string) bool {
	c.mu.Lock()
	loaded, ok := c.lastLoad[did]
	stale := !ok || time.Since(loaded) > c.ttl
	forbidden := c.forbidden[did]
	c.mu.Unlock()

	if !stale {
		return forbidden
	}

	settings, err := c.st.GetUserSettings(ctx, did)
	forbidden = err == nil && settings != nil && settings.DataCollectionForbidden

	c.mu.Lock()
	c.forbidden[did] = forbidden
	c.lastLoad[did] = time.Now()
	c.mu.Unlock()

	return forbidden
}

// Invalidate forces the next Forbidden check for did to hit storage,
// called when settings change instead of waiting for the 5-minute TTL.
func (c *optOutCache) Invalidate(did string) {
	c.mu.Lock()
	delete(c.lastLoad, did)
	c.mu.Unlock()
}
