// Package cache provides a read-through issue cache in front of the task
// store's show operation. The scheduler resolves dependency closures through
// it so repeated lookups of the same blocker within a tick hit memory.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tasks"
)

// DefaultTTL bounds how stale a cached issue may be. Dependency status only
// matters within a scheduling tick, so the window is short.
const DefaultTTL = 5 * time.Second

const defaultCleanupInterval = time.Minute

// IssueCache is a read-through cache over Client.Show.
type IssueCache struct {
	store tasks.Client
	cache *gocache.Cache
	ttl   time.Duration
}

// New creates an IssueCache with the given TTL. A non-positive ttl uses
// DefaultTTL.
func New(store tasks.Client, ttl time.Duration) *IssueCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IssueCache{
		store: store,
		cache: gocache.New(ttl, defaultCleanupInterval),
		ttl:   ttl,
	}
}

// Show returns issue details, consulting the cache first.
func (c *IssueCache) Show(ctx context.Context, id string) (*tasks.Issue, error) {
	if value, found := c.cache.Get(id); found {
		if issue, ok := value.(*tasks.Issue); ok {
			log.Debug(log.CatCache, "cache hit", "id", id)
			return issue, nil
		}
		log.Error(log.CatCache, "wrong type assertion when getting value", "id", id)
	}

	issue, err := c.store.Show(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id, issue, c.ttl)
	return issue, nil
}

// Invalidate drops cached entries for the given ids. Call after any mutation
// that could change an issue's status or dependencies.
func (c *IssueCache) Invalidate(ids ...string) {
	for _, id := range ids {
		c.cache.Delete(id)
	}
}

// Flush drops all cached entries.
func (c *IssueCache) Flush() {
	c.cache.Flush()
}
