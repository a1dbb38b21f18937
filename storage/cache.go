package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-tasks/domain"
	"prism-tasks/metrics"
)

const listGenerationKey = "tasks:list-gen"

// RedisCache is a shared domain.ListCache. Entries are namespaced by a
// generation counter so Clear invalidates every cached page with one INCR;
// superseded entries age out through their TTL.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisCache creates a list cache storing pages for ttl.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if client == nil {
		panic("storage.NewRedisCache: redis client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisCache{redis: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (domain.TaskPage, bool, error) {
	scoped, err := c.scopedKey(ctx, key)
	if err != nil {
		return domain.TaskPage{}, false, err
	}
	data, err := c.redis.Get(ctx, scoped).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup("redis", false)
		return domain.TaskPage{}, false, nil
	}
	if err != nil {
		return domain.TaskPage{}, false, err
	}
	var page domain.TaskPage
	if err := sonic.Unmarshal(data, &page); err != nil {
		log.WithError(err).WithField("key", scoped).Warn("dropping unreadable cached page")
		_ = c.redis.Del(ctx, scoped).Err()
		metrics.RecordCacheLookup("redis", false)
		return domain.TaskPage{}, false, nil
	}
	if page.Items == nil {
		page.Items = []domain.Task{}
	}
	metrics.RecordCacheLookup("redis", true)
	return page, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, page domain.TaskPage) error {
	if c.ttl == 0 {
		return nil
	}
	scoped, err := c.scopedKey(ctx, key)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(page)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, scoped, data, c.ttl).Err()
}

// Clear moves every instance to a fresh generation.
func (c *RedisCache) Clear(ctx context.Context) error {
	return c.redis.Incr(ctx, listGenerationKey).Err()
}

func (c *RedisCache) scopedKey(ctx context.Context, key string) (string, error) {
	gen, err := c.redis.Get(ctx, listGenerationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return "g" + strconv.FormatInt(gen, 10) + ":" + key, nil
}
