package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	cache, err := NewRedisCacheWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewRedisCacheWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestTryLockAndUnlock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "taskstore:lock:t1@abc", time.Second)
	if err != nil || !ok {
		t.Fatalf("TryLock = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = c.TryLock(ctx, "taskstore:lock:t1@abc", time.Second)
	if err != nil || ok {
		t.Fatalf("second TryLock = (%v, %v), want (false, nil)", ok, err)
	}

	if err := c.Unlock(ctx, "taskstore:lock:t1@abc"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	ok, err = c.TryLock(ctx, "taskstore:lock:t1@abc", time.Second)
	if err != nil || !ok {
		t.Fatalf("TryLock after Unlock = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestTryLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	c, err := NewRedisCacheWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewRedisCacheWithConfig: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if ok, err := c.TryLock(ctx, "k", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("TryLock = (%v, %v)", ok, err)
	}

	mr.FastForward(100 * time.Millisecond)

	ok, err := c.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("TryLock after TTL expiry = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestSetGetDel(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "key1", "value1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "key1")
	if err != nil || got != "value1" {
		t.Fatalf("Get = (%q, %v), want (\"value1\", nil)", got, err)
	}
	if err := c.Del(ctx, "key1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	got, err = c.Get(ctx, "key1")
	if err != nil || got != "" {
		t.Fatalf("Get after Del = (%q, %v), want (\"\", nil)", got, err)
	}
}

var _ LockOps = (*RedisCache)(nil)
