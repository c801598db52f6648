package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedis starts a miniredis server and returns a Redis cache backed by
// it.
func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr(), "t:")
	if err != nil {
		t.Fatalf("NewRedisFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedis_GetMiss(t *testing.T) {
	c, _ := newTestRedis(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok || data != nil {
		t.Fatalf("expected miss, got %q, %v", data, ok)
	}
}

func TestRedis_SetGetUsesPrefix(t *testing.T) {
	c, mr := newTestRedis(t)

	want := []byte(`{"input":3}`)
	if err := c.Set(context.Background(), "price:m", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(context.Background(), "price:m")
	if !ok || string(got) != string(want) {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if !mr.Exists("t:price:m") {
		t.Error("key not namespaced with prefix")
	}
}

// TestRedis_TTLIsSet advances miniredis time past the TTL and confirms the
// key expires.
func TestRedis_TTLIsSet(t *testing.T) {
	c, mr := newTestRedis(t)

	ttl := 10 * time.Second
	_ = c.Set(context.Background(), "ttl-key", []byte("payload"), ttl)
	if _, ok := c.Get(context.Background(), "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), "ttl-key"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedis_Delete(t *testing.T) {
	c, _ := newTestRedis(t)

	_ = c.Set(context.Background(), "delete-key", []byte("x"), time.Hour)
	if err := c.Delete(context.Background(), "delete-key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), "delete-key"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(context.Background(), "ghost-key"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

// TestRedis_GracefulDegradation verifies that a dead Redis reads as a miss
// and swallows writes.
func TestRedis_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if data, ok := c.Get(context.Background(), "any-key"); ok || data != nil {
		t.Fatalf("expected miss when Redis is down, got %q", data)
	}
	if err := c.Set(context.Background(), "any-key", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

func TestNewRedisFromURL_Invalid(t *testing.T) {
	if _, err := NewRedisFromURL(context.Background(), "not-a-valid-url", ""); err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestRedis_BorrowedClientNotClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedis(rdb, "")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Errorf("borrowed client was closed: %v", err)
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	_ = m.Set(ctx, "k", []byte("v"), time.Minute)
	if got, ok := m.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d", m.Len())
	}

	_ = m.Set(ctx, "short", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := m.Get(ctx, "short"); ok {
		t.Error("entry should have expired")
	}

	_ = m.Delete(ctx, "k")
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("entry should be gone after Delete")
	}
}
