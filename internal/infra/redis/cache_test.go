package redis

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
)

func TestTokenCacheRoundTripAndInvalidate(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	cache, err := NewTokenCache(rdb, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCache() error = %v", err)
	}
	ctx := context.Background()

	_, generation, hit, err := cache.Get(ctx, 1)
	if err != nil || hit || generation != 0 {
		t.Fatalf("Get() on empty cache = generation %d, hit %v, err %v", generation, hit, err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens := []domain.DeviceToken{{Token: "abc", Platform: domain.PlatformWeb, CreatedAt: now, LastUsedAt: now}}
	if stored, err := cache.Set(ctx, 1, generation, tokens); err != nil || !stored {
		t.Fatalf("Set() = %v, %v", stored, err)
	}
	if ttl := rdb.TTL(ctx, tokenCacheKey(1)).Val(); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl = %s, want within 1h", ttl)
	}

	got, _, hit, err := cache.Get(ctx, 1)
	if err != nil || !hit {
		t.Fatalf("Get() = hit %v, err %v", hit, err)
	}
	if len(got) != 1 || got[0].Token != "abc" || !got[0].LastUsedAt.Equal(now) {
		t.Fatalf("cached tokens = %+v", got)
	}

	if err := cache.Invalidate(ctx, 1, 2); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, _, hit, _ := cache.Get(ctx, 1); hit {
		t.Fatal("expected miss after invalidate")
	}
}

func TestTokenCacheSetWithStaleGenerationIsDropped(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	cache, _ := NewTokenCache(rdb, time.Hour)
	ctx := context.Background()

	_, before, hit, err := cache.Get(ctx, 7)
	if err != nil || hit {
		t.Fatalf("Get() = hit %v, err %v; want miss", hit, err)
	}

	// A write lands between the reader's miss and its Set.
	if err := cache.Invalidate(ctx, 7); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale := []domain.DeviceToken{{Token: "old", CreatedAt: now, LastUsedAt: now}}
	stored, err := cache.Set(ctx, 7, before, stale)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if stored {
		t.Fatal("Set() with a stale generation should be dropped")
	}
	if rdb.Exists(ctx, tokenCacheKey(7)).Val() != 0 {
		t.Fatal("stale snapshot reached the cache")
	}

	_, after, hit, err := cache.Get(ctx, 7)
	if err != nil || hit {
		t.Fatalf("Get() = hit %v, err %v; want miss", hit, err)
	}
	if after != before+1 {
		t.Fatalf("generation = %d, want %d", after, before+1)
	}
	if stored, err := cache.Set(ctx, 7, after, stale); err != nil || !stored {
		t.Fatalf("Set() with current generation = %v, %v", stored, err)
	}
	if ttl := rdb.TTL(ctx, tokenGenerationKey(7)).Val(); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("generation ttl = %s, want within 1h", ttl)
	}
}

func TestTokenCacheCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	cache, _ := NewTokenCache(rdb, 0)
	ctx := context.Background()

	if err := rdb.Set(ctx, tokenCacheKey(5), "{not json", 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, hit, err := cache.Get(ctx, 5); err != nil || hit {
		t.Fatalf("Get() = hit %v, err %v; want miss", hit, err)
	}
	if rdb.Exists(ctx, tokenCacheKey(5)).Val() != 0 {
		t.Fatal("corrupt entry should be deleted")
	}
}

func TestUniqueLockCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	lock, err := NewUniqueLock(rdb, "archive")
	if err != nil {
		t.Fatalf("NewUniqueLock() error = %v", err)
	}
	ctx := context.Background()

	first, err := lock.Acquire(ctx, "receipt:r-1", time.Minute)
	if err != nil || !first {
		t.Fatalf("first Acquire() = %v, %v", first, err)
	}
	second, err := lock.Acquire(ctx, "receipt:r-1", time.Minute)
	if err != nil || second {
		t.Fatalf("second Acquire() = %v, %v; want false", second, err)
	}
	other, _ := lock.Acquire(ctx, "receipt:r-2", time.Minute)
	if !other {
		t.Fatal("different receipt should not be blocked")
	}

	if err := lock.Release(ctx, "receipt:r-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, _ := lock.Acquire(ctx, "receipt:r-1", time.Minute)
	if !again {
		t.Fatal("lock should be free after release")
	}
}
