package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiterForTest(t *testing.T) (*miniredis.Miniredis, *RedisFixedWindowLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisFixedWindowLimiter(client, "")
}

func TestRedisLimiterAllowsWithinBudget(t *testing.T) {
	_, limiter := newRedisLimiterForTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "10.0.0.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d within budget denied", i)
		}
	}
	allowed, retryAfter, err := limiter.Allow(ctx, "10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow over budget: %v", err)
	}
	if allowed {
		t.Fatal("over-budget request allowed")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter out of range: %v", retryAfter)
	}

	// Distinct client, distinct counter.
	if allowed, _, err := limiter.Allow(ctx, "10.0.0.2", 3, time.Minute); err != nil || !allowed {
		t.Fatalf("distinct client denied: allowed=%v err=%v", allowed, err)
	}
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	mr, limiter := newRedisLimiterForTest(t)
	ctx := context.Background()

	if allowed, _, err := limiter.Allow(ctx, "c", 1, time.Second); err != nil || !allowed {
		t.Fatalf("first request denied: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := limiter.Allow(ctx, "c", 1, time.Second); allowed {
		t.Fatal("second request in window allowed")
	}

	mr.FastForward(2 * time.Second)
	if allowed, _, err := limiter.Allow(ctx, "c", 1, time.Second); err != nil || !allowed {
		t.Fatalf("request after expiry denied: allowed=%v err=%v", allowed, err)
	}
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	mr, first := newRedisLimiterForTest(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	second := NewRedisFixedWindowLimiter(client, "")
	ctx := context.Background()

	if allowed, _, err := first.Allow(ctx, "c", 2, time.Minute); err != nil || !allowed {
		t.Fatalf("first instance denied: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := second.Allow(ctx, "c", 2, time.Minute); err != nil || !allowed {
		t.Fatalf("second instance denied: allowed=%v err=%v", allowed, err)
	}
	// Budget is shared, so the third request is over regardless of instance.
	if allowed, _, _ := first.Allow(ctx, "c", 2, time.Minute); allowed {
		t.Fatal("shared budget not enforced across instances")
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	limiter := NewRedisFixedWindowLimiter(nil, "")
	if _, _, err := limiter.Allow(context.Background(), "c", 1, time.Minute); err == nil {
		t.Fatal("expected error from nil client")
	}
}
