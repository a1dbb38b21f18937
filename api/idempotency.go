package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader       = "Idempotency-Key"
	maxIdempotencyKeyLength = 255
	pendingMarker           = "pending"
	defaultPendingTTL       = 30 * time.Second
)

// RedisIdempotency stores create request keys in Redis so every instance
// answers a retried request with the task the first attempt created.
type RedisIdempotency struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisIdempotency keeps committed keys for ttl.
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	pending := defaultPendingTTL
	if ttl > 0 && ttl < pending {
		pending = ttl
	}
	return &RedisIdempotency{client: client, ttl: ttl, pendingTTL: pending}
}

func (r *RedisIdempotency) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Reserve claims key with a short-lived pending marker. The marker expires on
// its own if the request dies before Commit or Release.
func (r *RedisIdempotency) Reserve(ctx context.Context, userID, key string) (string, bool, error) {
	k := r.key(userID, key)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, k, pendingMarker, r.pendingTTL).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return "", true, nil
		}
		val, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get.
			continue
		}
		if err != nil {
			return "", false, err
		}
		if val == pendingMarker {
			return "", false, nil
		}
		return val, false, nil
	}
	return "", false, nil
}

// Commit replaces the pending marker with the created task id.
func (r *RedisIdempotency) Commit(ctx context.Context, userID, key, taskID string) error {
	return r.client.Set(ctx, r.key(userID, key), taskID, r.ttl).Err()
}

// Release deletes a reservation so the caller may retry the request.
func (r *RedisIdempotency) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
