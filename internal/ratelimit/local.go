package ratelimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultLocalScopes bounds the number of scopes a LocalLimiter remembers.
const DefaultLocalScopes = 10_000

type bucket struct {
	lim *rate.Limiter
	rpm int
}

// LocalLimiter is an in-process token bucket per scope: rpm/60 tokens per
// second with a burst of rpm. Counts are per instance.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, bucket]
}

// NewLocalLimiter creates a LocalLimiter remembering up to size scopes.
func NewLocalLimiter(size int) *LocalLimiter {
	if size <= 0 {
		size = DefaultLocalScopes
	}
	c, _ := lru.New[string, bucket](size)
	return &LocalLimiter{buckets: c}
}

// Allow takes one token from scope. A changed rpm resets the bucket.
func (l *LocalLimiter) Allow(scope string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets.Get(scope)
	if !ok || b.rpm != rpm {
		b = bucket{lim: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm), rpm: rpm}
		l.buckets.Add(scope, b)
	}
	l.mu.Unlock()
	return b.lim.Allow()
}
