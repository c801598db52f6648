package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, "", nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if !limiter.Allow(ctx, "key:1", limit) {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, "", nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if !limiter.Allow(ctx, "key:1", limit) {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	if limiter.Allow(ctx, "key:1", limit) {
		t.Error("expected allowed=false after limit exceeded")
	}
	// Scopes are independent.
	if !limiter.Allow(ctx, "key:2", limit) {
		t.Error("another scope must not share the window")
	}
}

func TestRPMLimiter_ZeroLimitDisabled(t *testing.T) {
	limiter := ratelimit.NewRPMLimiter(nil, "", nil)
	for range 100 {
		if !limiter.Allow(context.Background(), "key:1", 0) {
			t.Fatal("limit 0 must never block")
		}
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls: the limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, "", nil)
	if !limiter.Allow(context.Background(), "key:1", 5) {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}

func TestRPMLimiter_FallsBackToLocal_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, "", ratelimit.NewLocalLimiter(0))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if !limiter.Allow(ctx, "key:1", 2) {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
	if limiter.Allow(ctx, "key:1", 2) {
		t.Error("local fallback should block once the burst is spent")
	}
}

func TestLocalLimiter_ResetsOnLimitChange(t *testing.T) {
	l := ratelimit.NewLocalLimiter(10)
	if !l.Allow("s", 1) {
		t.Fatal("first request must pass")
	}
	if l.Allow("s", 1) {
		t.Fatal("second request must be blocked at rpm=1")
	}
	if !l.Allow("s", 5) {
		t.Error("raising the limit should start a fresh bucket")
	}
}
