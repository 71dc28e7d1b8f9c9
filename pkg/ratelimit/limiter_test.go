package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPropertyKey(t *testing.T) {
	if got := PropertyKey(42); got != "property:42" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestInMemoryLimiterWindow(t *testing.T) {
	ctx := context.Background()
	limiter := NewInMemory(time.Minute)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	limiter.clock = func() time.Time { return now }
	key := PropertyKey(7)

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if got := third.RetryAfter(now); got != time.Minute {
		t.Fatalf("expected a full window to wait, got %v", got)
	}
	if other := limiter.Allow(ctx, PropertyKey(8), 2); !other.Allowed {
		t.Fatalf("properties must not share a window: %+v", other)
	}

	now = now.Add(61 * time.Second)
	if reset := limiter.Allow(ctx, key, 2); !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default window, got %v", limiter.window)
	}
	if d := limiter.Allow(context.Background(), "k", 0); !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", d)
	}
	if d := (Decision{Allowed: true, ResetAt: time.Now().Add(time.Hour)}); d.RetryAfter(time.Now()) != 0 {
		t.Fatal("allowed decisions never ask to wait")
	}
}

func TestRedisLimiterSharesWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedis(client, time.Minute, nil)
	b := NewRedis(client, time.Minute, nil)
	key := PropertyKey(7)
	if d := a.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected first decision: %+v", d)
	}
	if d := b.Allow(ctx, key, 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("replicas must share the counter: %+v", d)
	}
	if d := a.Allow(ctx, key, 2); d.Allowed {
		t.Fatalf("expected third run refused: %+v", d)
	}
	if !mr.Exists("recon:admit:" + key) {
		t.Fatal("expected prefixed redis key")
	}

	mr.FastForward(2 * time.Minute)
	if d := b.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected window to expire in redis, got %+v", d)
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	ctx := context.Background()
	limiter := NewRedis(client, time.Minute, nil)
	for i := 0; i < 2; i++ {
		if d := limiter.Allow(ctx, "k", 2); !d.Allowed {
			t.Fatalf("call %d: expected local window to admit, got %+v", i, d)
		}
	}
	if d := limiter.Allow(ctx, "k", 2); d.Allowed {
		t.Fatalf("expected local window to refuse the third run, got %+v", d)
	}

	limiter.Fallback = nil
	if d := limiter.Allow(ctx, "k", 2); !d.Allowed {
		t.Fatalf("expected permissive decision without fallback, got %+v", d)
	}
}

func TestNewPicksBackend(t *testing.T) {
	if _, ok := New(nil, time.Minute, nil).(*InMemoryLimiter); !ok {
		t.Fatal("expected in-memory limiter without a client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	if _, ok := New(client, time.Minute, nil).(*RedisLimiter); !ok {
		t.Fatal("expected redis limiter with a client")
	}
}
