// Package concurrency counts the sessions with requests in flight per scope
// (a provider or an API key) and hands out leases that undo exactly what
// they took.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderScope is the scope of provider id.
func ProviderScope(id int64) string { return "provider:" + strconv.FormatInt(id, 10) }

// KeyScope is the scope of API key id.
func KeyScope(id int64) string { return "key:" + strconv.FormatInt(id, 10) }

// Tracker counts in-flight requests per (scope, session).
type Tracker interface {
	// Increment adds one in-flight request of sessionID to scope and returns
	// the number of distinct active sessions in scope.
	Increment(ctx context.Context, scope, sessionID string) (int, error)
	// Decrement removes one in-flight request; the session stops counting
	// once it reaches zero.
	Decrement(ctx context.Context, scope, sessionID string) error
	// Active returns the number of distinct sessions in flight on scope.
	Active(ctx context.Context, scope string) (int, error)
	// IsActive reports whether sessionID already has a request in flight on
	// scope.
	IsActive(ctx context.Context, scope, sessionID string) (bool, error)
}

// Counter is the read side of a Tracker.
type Counter interface {
	Active(ctx context.Context, scope string) (int, error)
	IsActive(ctx context.Context, scope, sessionID string) (bool, error)
}

// AtCapacity reports whether admitting sessionID would take scope past limit
// distinct sessions. A session already counted on scope adds nothing, so it
// is never at capacity; limit ≤ 0 means unlimited.
func AtCapacity(ctx context.Context, c Counter, scope, sessionID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := c.Active(ctx, scope)
	if err != nil || n < limit {
		return false, err
	}
	if sessionID == "" {
		return true, nil
	}
	member, err := c.IsActive(ctx, scope, sessionID)
	if err != nil {
		return false, err
	}
	return !member, nil
}

// ── Memory ────────────────────────────────────────────────────────────────

// Memory is an in-process Tracker.
type Memory struct {
	mu     sync.Mutex
	scopes map[string]map[string]int
}

var _ Tracker = (*Memory)(nil)

// NewMemory creates an empty Memory tracker.
func NewMemory() *Memory {
	return &Memory{scopes: make(map[string]map[string]int)}
}

func (m *Memory) Increment(_ context.Context, scope, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[scope]
	if !ok {
		s = make(map[string]int)
		m.scopes[scope] = s
	}
	s[sessionID]++
	return len(s), nil
}

func (m *Memory) Decrement(_ context.Context, scope, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[scope]
	if !ok {
		return nil
	}
	if s[sessionID] <= 1 {
		delete(s, sessionID)
	} else {
		s[sessionID]--
	}
	if len(s) == 0 {
		delete(m.scopes, scope)
	}
	return nil
}

func (m *Memory) Active(_ context.Context, scope string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes[scope]), nil
}

func (m *Memory) IsActive(_ context.Context, scope, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scopes[scope][sessionID]
	return ok, nil
}

// ── Redis ─────────────────────────────────────────────────────────────────

// decrementScript lowers one session counter and drops the field at zero.
// KEYS[1] = scope hash
// ARGV[1] = session id
// Returns the remaining count of the session.
var decrementScript = redis.NewScript(`
		local v = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
		if v <= 0 then
			redis.call('HDEL', KEYS[1], ARGV[1])
		end
		return v
`)

const (
	redisTimeout = 500 * time.Millisecond
	// DefaultLeaseTTL bounds how long a crashed instance's counts survive.
	DefaultLeaseTTL = 15 * time.Minute
)

// Redis shares counts across relay instances. Each scope is one hash of
// session id → in-flight count.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Tracker = (*Redis)(nil)

// NewRedis creates a Redis tracker. ttl ≤ 0 uses DefaultLeaseTTL.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "relay:active"
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(scope string) string { return r.prefix + ":" + scope }

func (r *Redis) Increment(ctx context.Context, scope, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := r.key(scope)
	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, sessionID, 1)
	pipe.Expire(ctx, key, r.ttl)
	n := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("concurrency: increment %s: %w", scope, err)
	}
	return int(n.Val()), nil
}

func (r *Redis) Decrement(ctx context.Context, scope, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := decrementScript.Run(ctx, r.rdb, []string{r.key(scope)}, sessionID).Err(); err != nil {
		return fmt.Errorf("concurrency: decrement %s: %w", scope, err)
	}
	return nil
}

func (r *Redis) Active(ctx context.Context, scope string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	n, err := r.rdb.HLen(ctx, r.key(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("concurrency: active %s: %w", scope, err)
	}
	return int(n), nil
}

func (r *Redis) IsActive(ctx context.Context, scope, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	ok, err := r.rdb.HExists(ctx, r.key(scope), sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("concurrency: is active %s: %w", scope, err)
	}
	return ok, nil
}

// ── Lease ─────────────────────────────────────────────────────────────────

// Lease is the set of increments taken for one request.
type Lease struct {
	t         Tracker
	sessionID string
	scopes    []string

	once sync.Once
	err  error
}

// Acquire increments sessionID on every scope. It returns a nil lease when
// sessionID is empty. On error the increments already taken are rolled back.
func Acquire(ctx context.Context, t Tracker, sessionID string, scopes ...string) (*Lease, error) {
	if t == nil || sessionID == "" {
		return nil, nil
	}
	l := &Lease{t: t, sessionID: sessionID}
	for _, sc := range scopes {
		if _, err := t.Increment(ctx, sc, sessionID); err != nil {
			_ = l.Release(ctx)
			return nil, err
		}
		l.scopes = append(l.scopes, sc)
	}
	return l, nil
}

// Scopes returns the scopes this lease incremented.
func (l *Lease) Scopes() []string {
	if l == nil {
		return nil
	}
	return l.scopes
}

// Release decrements every incremented scope once. Safe on a nil lease and
// safe to call more than once; only the first call does work. It runs even
// when ctx is already cancelled.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		ctx := context.WithoutCancel(ctx)
		var errs []error
		for _, sc := range l.scopes {
			if err := l.t.Decrement(ctx, sc, l.sessionID); err != nil {
				errs = append(errs, err)
			}
		}
		l.err = errors.Join(errs...)
	})
	return l.err
}
