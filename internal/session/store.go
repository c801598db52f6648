package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ── Memory ──────────────────────────────────────────────────────────────────

type memEntry struct {
	providerID int64
	seq        int64
}

// MemoryStore is a bounded in-process Store. Entries expire ttl after their
// last write; the per-call ttl arguments are ignored.
type MemoryStore struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *memEntry]
}

// NewMemoryStore creates a MemoryStore holding up to size sessions.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10_000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{lru: expirable.NewLRU[string, *memEntry](size, nil, ttl)}
}

func (m *MemoryStore) Binding(_ context.Context, sessionID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(sessionID)
	if !ok || e.providerID == 0 {
		return 0, false, nil
	}
	return e.providerID, true, nil
}

func (m *MemoryStore) Bind(_ context.Context, sessionID string, providerID int64, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(sessionID)
	if !ok {
		e = &memEntry{}
	}
	e.providerID = providerID
	m.lru.Add(sessionID, e)
	return nil
}

func (m *MemoryStore) Next(_ context.Context, sessionID string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(sessionID)
	if !ok {
		e = &memEntry{}
	}
	e.seq++
	m.lru.Add(sessionID, e)
	return e.seq, nil
}

// ── Redis ───────────────────────────────────────────────────────────────────

const redisTimeout = 500 * time.Millisecond

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// RedisStore shares session bindings across relay instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps rdb. Keys are "<prefix>:<session>:provider" and
// "<prefix>:<session>:seq".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relay:session"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) key(sessionID, field string) string {
	return r.prefix + ":" + sessionID + ":" + field
}

func (r *RedisStore) Binding(ctx context.Context, sessionID string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	v, err := r.rdb.Get(ctx, r.key(sessionID, "provider")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("session: get binding: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("session: parse binding %q: %w", v, err)
	}
	return id, true, nil
}

func (r *RedisStore) Bind(ctx context.Context, sessionID string, providerID int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := r.rdb.Set(ctx, r.key(sessionID, "provider"), providerID, ttl).Err(); err != nil {
		return fmt.Errorf("session: bind: %w", err)
	}
	return nil
}

func (r *RedisStore) Next(ctx context.Context, sessionID string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := r.key(sessionID, "seq")
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: next sequence: %w", err)
	}
	return incr.Val(), nil
}
