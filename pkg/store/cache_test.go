package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCaches(t *testing.T) map[string]Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return map[string]Cache{
		"redis":  NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		"memory": NewMemoryCache(),
	}
}

func TestCacheSetNXLocks(t *testing.T) {
	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
			}
			ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
			if err != nil || ok {
				t.Fatalf("second SetNX: ok=%v err=%v", ok, err)
			}
			got, err := c.Get(ctx, "lock")
			if err != nil || got != "a" {
				t.Fatalf("Get = %q, %v", got, err)
			}
		})
	}
}

func TestCacheSetOverwritesAndDel(t *testing.T) {
	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.Set(ctx, "k", "v1", time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := c.Set(ctx, "k", "v2", time.Minute); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if got, _ := c.Get(ctx, "k"); got != "v2" {
				t.Fatalf("Get = %q", got)
			}
			if err := c.Del(ctx, "k"); err != nil {
				t.Fatalf("Del: %v", err)
			}
			if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
				t.Fatalf("Get after Del: %v", err)
			}
		})
	}
}

func TestCacheMissReturnsNil(t *testing.T) {
	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, redis.Nil) {
				t.Fatalf("err = %v, want redis.Nil", err)
			}
		})
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expired Get: %v", err)
	}
	// Expired entries no longer block SetNX.
	if ok, _ := c.SetNX(ctx, "k", "again", time.Minute); !ok {
		t.Fatal("SetNX blocked by expired entry")
	}
}

func TestNewCacheFallsBackWithoutRedis(t *testing.T) {
	if _, ok := NewCache(context.Background(), nil).(*MemoryCache); !ok {
		t.Fatal("nil client should fall back to memory")
	}
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	if _, ok := NewCache(context.Background(), dead).(*MemoryCache); !ok {
		t.Fatal("unreachable redis should fall back to memory")
	}
}

func TestNewCacheUsesRedisWhenHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if _, ok := NewCache(context.Background(), client).(*RedisCache); !ok {
		t.Fatal("healthy redis should be used")
	}
}
