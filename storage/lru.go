package storage

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"prism-tasks/domain"
	"prism-tasks/metrics"
)

// LRUCache is a process-local domain.ListCache bounded by size and TTL.
// A non-positive TTL disables caching, matching RedisCache.
type LRUCache struct {
	pages *expirable.LRU[string, domain.TaskPage]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if ttl <= 0 {
		return &LRUCache{}
	}
	if size <= 0 {
		size = 1
	}
	return &LRUCache{pages: expirable.NewLRU[string, domain.TaskPage](size, nil, ttl)}
}

func (c *LRUCache) Get(ctx context.Context, key string) (domain.TaskPage, bool, error) {
	if c.pages == nil {
		metrics.RecordCacheLookup("memory", false)
		return domain.TaskPage{}, false, nil
	}
	page, ok := c.pages.Get(key)
	metrics.RecordCacheLookup("memory", ok)
	if !ok {
		return domain.TaskPage{}, false, nil
	}
	return page.Clone(), true, nil
}

func (c *LRUCache) Set(ctx context.Context, key string, page domain.TaskPage) error {
	if c.pages == nil {
		return nil
	}
	c.pages.Add(key, page.Clone())
	return nil
}

func (c *LRUCache) Clear(ctx context.Context) error {
	if c.pages == nil {
		return nil
	}
	c.pages.Purge()
	return nil
}

// Len reports the number of live entries.
func (c *LRUCache) Len() int {
	if c.pages == nil {
		return 0
	}
	return c.pages.Len()
}
