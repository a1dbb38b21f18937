package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"prism-tasks/domain"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func samplePage() domain.TaskPage {
	return domain.TaskPage{Items: []domain.Task{sampleTask("t1")}, Total: 1, Page: 1, PageSize: 25}
}

func TestRedisCacheMissThenHit(t *testing.T) {
	mr, client := newMiniredis(t)
	cache := NewRedisCache(client, time.Minute)
	ctx := context.Background()
	key := domain.ListQuery{}.Normalize().CacheKey()

	if _, ok, err := cache.Get(ctx, key); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := cache.Set(ctx, key, samplePage()); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("g0:" + key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
	page, ok, err := cache.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if page.Total != 1 || page.Items[0].ID != "t1" || !page.Items[0].CreatedAt.Equal(sampleTask("t1").CreatedAt) {
		t.Fatalf("unexpected cached page: %#v", page)
	}
}

func TestRedisCacheClearStartsNewGeneration(t *testing.T) {
	_, client := newMiniredis(t)
	ctx := context.Background()
	a := NewRedisCache(client, time.Minute)
	b := NewRedisCache(client, time.Minute)
	key := "tasks:list:x"
	a.Set(ctx, key, samplePage())

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := a.Get(ctx, key); ok {
		t.Fatalf("clear on one instance must invalidate the other")
	}
}

func TestRedisCacheDropsCorruptEntry(t *testing.T) {
	mr, client := newMiniredis(t)
	cache := NewRedisCache(client, time.Minute)
	ctx := context.Background()
	mr.Set("g0:k", "{not json")
	if _, ok, err := cache.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss on corrupt entry, got ok=%v err=%v", ok, err)
	}
	if mr.Exists("g0:k") {
		t.Fatalf("corrupt entry should be deleted")
	}
}

func TestRedisCacheZeroTTLSkipsWrites(t *testing.T) {
	mr, client := newMiniredis(t)
	cache := NewRedisCache(client, 0)
	if err := cache.Set(context.Background(), "k", samplePage()); err != nil {
		t.Fatalf("set: %v", err)
	}
	if mr.Exists("g0:k") {
		t.Fatalf("zero TTL must not store pages")
	}
}

func TestRedisCacheReportsOutage(t *testing.T) {
	mr, client := newMiniredis(t)
	cache := NewRedisCache(client, time.Minute)
	mr.Close()
	if _, _, err := cache.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(2, time.Minute)
	ctx := context.Background()
	cache.Set(ctx, "a", samplePage())
	cache.Set(ctx, "b", samplePage())
	cache.Set(ctx, "c", samplePage())
	if cache.Len() != 2 {
		t.Fatalf("expected size bound of 2, got %d", cache.Len())
	}
	if _, ok, _ := cache.Get(ctx, "a"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
	page, ok, _ := cache.Get(ctx, "c")
	if !ok {
		t.Fatalf("expected hit")
	}
	page.Items[0].Tags[0] = "mutated"
	again, _, _ := cache.Get(ctx, "c")
	if again.Items[0].Tags[0] != "release" {
		t.Fatalf("cached page aliased caller data")
	}
	cache.Clear(ctx)
	if cache.Len() != 0 {
		t.Fatalf("clear should purge all entries")
	}
}

func TestLRUCacheZeroTTLDisablesCaching(t *testing.T) {
	cache := NewLRUCache(8, 0)
	ctx := context.Background()
	if err := cache.Set(ctx, "a", samplePage()); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "a"); ok {
		t.Fatalf("zero TTL must not cache pages")
	}
	if cache.Len() != 0 || cache.Clear(ctx) != nil {
		t.Fatalf("disabled cache must stay empty")
	}
}

func TestLRUCacheExpires(t *testing.T) {
	cache := NewLRUCache(4, 20*time.Millisecond)
	ctx := context.Background()
	cache.Set(ctx, "a", samplePage())
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := cache.Get(ctx, "a"); ok {
		t.Fatalf("entry should expire after TTL")
	}
}
