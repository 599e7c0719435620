// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupMiniRedis creates a test Redis server using miniredis.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return mr, NewRedisCacheFromClient(client, zerolog.Nop())
}

func TestRedisCache_SetGet(t *testing.T) {
	_, c := setupMiniRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "test-key", "test-value", 5*time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, ok, err := c.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected value to be found")
	}
	if val != "test-value" {
		t.Errorf("expected 'test-value', got %v", val)
	}
}

func TestRedisCache_GetMissing(t *testing.T) {
	_, c := setupMiniRedis(t)

	val, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected value to not be found")
	}
	if val != "" {
		t.Errorf("expected empty value, got %v", val)
	}
}

func TestRedisCache_TTL(t *testing.T) {
	mr, c := setupMiniRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "expiring", "v", time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// miniredis advances TTLs manually
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "expiring")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected key to be expired")
	}
}

func TestRedisCache_IncrExpire(t *testing.T) {
	mr, c := setupMiniRedis(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	n, err = c.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	ok, err := c.Expire(ctx, "counter", time.Second)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected expire to succeed on existing key")
	}
	mr.FastForward(2 * time.Second)
	_, ok, err = c.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected counter to be expired")
	}
}
