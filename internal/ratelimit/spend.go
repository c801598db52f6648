package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Spend window labels, in check order.
const (
	WindowFiveHour = "5h"
	WindowDaily    = "daily"
	WindowWeekly   = "weekly"
	WindowMonthly  = "monthly"
	WindowTotal    = "total"
)

// Daily reset modes.
const (
	ResetFixed   = "fixed"
	ResetRolling = "rolling"
)

// rollingHorizon is the longest rolling window kept in the event log.
const rollingHorizon = 24 * time.Hour

// SpendStore persists USD spend per scope: an event log for rolling windows
// and counters for fixed calendar buckets.
type SpendStore interface {
	// Add records usd at time at, and adds it to every named bucket.
	Add(ctx context.Context, scope string, usd float64, at time.Time, buckets []string) error
	// SumSince returns the spend recorded at or after since.
	SumSince(ctx context.Context, scope string, since time.Time) (float64, error)
	// Bucket returns the total of one fixed bucket.
	Bucket(ctx context.Context, scope, bucket string) (float64, error)
}

// SpendLimiter enforces the USD ceilings of providers.Limits.
type SpendLimiter struct {
	store SpendStore
	now   func() time.Time
}

// NewSpendLimiter creates a SpendLimiter over store.
func NewSpendLimiter(store SpendStore) *SpendLimiter {
	return &SpendLimiter{store: store, now: time.Now}
}

// Record adds usd to scope. limits decides the fixed daily bucket boundary.
func (s *SpendLimiter) Record(ctx context.Context, scope string, limits providers.Limits, usd float64) error {
	if usd <= 0 {
		return nil
	}
	now := s.now()
	return s.store.Add(ctx, scope, usd, now, buckets(now, limits))
}

// Exceeded returns the first window of scope whose ceiling is reached, or ""
// when every window has room. Zero ceilings are skipped.
func (s *SpendLimiter) Exceeded(ctx context.Context, scope string, limits providers.Limits) (string, error) {
	now := s.now()

	if limits.FiveHourUSD > 0 {
		spent, err := s.store.SumSince(ctx, scope, now.Add(-5*time.Hour))
		if err != nil {
			return "", err
		}
		if spent >= limits.FiveHourUSD {
			return WindowFiveHour, nil
		}
	}

	if limits.DailyUSD > 0 {
		var spent float64
		var err error
		if limits.DailyResetMode == ResetRolling {
			spent, err = s.store.SumSince(ctx, scope, now.Add(-rollingHorizon))
		} else {
			spent, err = s.store.Bucket(ctx, scope, dailyBucket(now, limits.DailyResetTime))
		}
		if err != nil {
			return "", err
		}
		if spent >= limits.DailyUSD {
			return WindowDaily, nil
		}
	}

	for _, w := range []struct {
		label  string
		limit  float64
		bucket string
	}{
		{WindowWeekly, limits.WeeklyUSD, weeklyBucket(now)},
		{WindowMonthly, limits.MonthlyUSD, monthlyBucket(now)},
		{WindowTotal, limits.TotalUSD, WindowTotal},
	} {
		if w.limit <= 0 {
			continue
		}
		spent, err := s.store.Bucket(ctx, scope, w.bucket)
		if err != nil {
			return "", err
		}
		if spent >= w.limit {
			return w.label, nil
		}
	}
	return "", nil
}

func buckets(now time.Time, limits providers.Limits) []string {
	return []string{
		dailyBucket(now, limits.DailyResetTime),
		weeklyBucket(now),
		monthlyBucket(now),
		WindowTotal,
	}
}

// dailyBucket names the fixed day containing now, where days start at
// resetAt ("HH:MM" UTC, default midnight).
func dailyBucket(now time.Time, resetAt string) string {
	now = now.UTC()
	if off, ok := parseClock(resetAt); ok {
		now = now.Add(-off)
	}
	return "d:" + now.Format(time.DateOnly)
}

func weeklyBucket(now time.Time) string {
	y, w := now.UTC().ISOWeek()
	return fmt.Sprintf("w:%d-%02d", y, w)
}

func monthlyBucket(now time.Time) string {
	return "m:" + now.UTC().Format("2006-01")
}

func parseClock(s string) (time.Duration, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, true
}

// ── Memory store ─────────────────────────────────────────────────────────────

type spendEvent struct {
	at  time.Time
	usd float64
}

// MemorySpendStore keeps spend in process.
type MemorySpendStore struct {
	mu      sync.Mutex
	events  map[string][]spendEvent
	buckets map[string]float64
}

var _ SpendStore = (*MemorySpendStore)(nil)

// NewMemorySpendStore creates an empty store.
func NewMemorySpendStore() *MemorySpendStore {
	return &MemorySpendStore{
		events:  make(map[string][]spendEvent),
		buckets: make(map[string]float64),
	}
}

func (m *MemorySpendStore) Add(_ context.Context, scope string, usd float64, at time.Time, buckets []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-rollingHorizon)
	evs := m.events[scope]
	i := 0
	for i < len(evs) && evs[i].at.Before(cutoff) {
		i++
	}
	m.events[scope] = append(evs[i:], spendEvent{at: at, usd: usd})

	for _, b := range buckets {
		m.buckets[scope+"|"+b] += usd
	}
	return nil
}

func (m *MemorySpendStore) SumSince(_ context.Context, scope string, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, e := range m.events[scope] {
		if !e.at.Before(since) {
			sum += e.usd
		}
	}
	return sum, nil
}

func (m *MemorySpendStore) Bucket(_ context.Context, scope, bucket string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[scope+"|"+bucket], nil
}

// ── Redis store ──────────────────────────────────────────────────────────────

// RedisSpendStore keeps spend in Redis: a ZSET per scope scored by unix ms
// for rolling windows, and INCRBYFLOAT counters for fixed buckets.
type RedisSpendStore struct {
	rdb    *redis.Client
	prefix string
}

var _ SpendStore = (*RedisSpendStore)(nil)

// NewRedisSpendStore wraps rdb.
func NewRedisSpendStore(rdb *redis.Client, prefix string) *RedisSpendStore {
	if prefix == "" {
		prefix = "relay:spend"
	}
	return &RedisSpendStore{rdb: rdb, prefix: prefix}
}

func (r *RedisSpendStore) rollKey(scope string) string { return r.prefix + ":" + scope + ":roll" }
func (r *RedisSpendStore) bucketKey(scope, b string) string {
	return r.prefix + ":" + scope + ":" + b
}

// bucketTTL keeps a fixed-bucket counter a little past its period.
func bucketTTL(b string) time.Duration {
	switch {
	case strings.HasPrefix(b, "d:"):
		return 48 * time.Hour
	case strings.HasPrefix(b, "w:"):
		return 8 * 24 * time.Hour
	case strings.HasPrefix(b, "m:"):
		return 32 * 24 * time.Hour
	}
	return 0
}

func (r *RedisSpendStore) Add(ctx context.Context, scope string, usd float64, at time.Time, buckets []string) error {
	ms := at.UnixMilli()
	member := fmt.Sprintf("%d:%s:%s", ms, strconv.FormatFloat(usd, 'f', -1, 64), uuid.NewString())

	roll := r.rollKey(scope)
	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, roll, redis.Z{Score: float64(ms), Member: member})
	pipe.ZRemRangeByScore(ctx, roll, "-inf", "("+strconv.FormatInt(at.Add(-rollingHorizon).UnixMilli(), 10))
	pipe.Expire(ctx, roll, rollingHorizon+time.Hour)
	for _, b := range buckets {
		key := r.bucketKey(scope, b)
		pipe.IncrByFloat(ctx, key, usd)
		if ttl := bucketTTL(b); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: record spend %s: %w", scope, err)
	}
	return nil
}

func (r *RedisSpendStore) SumSince(ctx context.Context, scope string, since time.Time) (float64, error) {
	members, err := r.rdb.ZRangeByScore(ctx, r.rollKey(scope), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: sum spend %s: %w", scope, err)
	}
	var sum float64
	for _, m := range members {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) < 2 {
			continue
		}
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			sum += v
		}
	}
	return sum, nil
}

func (r *RedisSpendStore) Bucket(ctx context.Context, scope, bucket string) (float64, error) {
	v, err := r.rdb.Get(ctx, r.bucketKey(scope, bucket)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: spend bucket %s: %w", scope, err)
	}
	return v, nil
}
