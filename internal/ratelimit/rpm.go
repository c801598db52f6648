// Package ratelimit implements per-scope request and spend ceilings: a Redis
// sliding-window RPM limiter with a local token-bucket fallback, and USD
// spend windows.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const defaultRPMPrefix = "relay:rpm"

// RPMLimiter checks requests-per-minute ceilings per scope using a Redis
// sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	prefix   string
	fallback *LocalLimiter
	now      func() time.Time
}

// NewRPMLimiter creates an RPMLimiter. rdb may be nil, in which case every
// check goes to the fallback. fallback may be nil, in which case Redis
// failures allow the request.
func NewRPMLimiter(rdb *redis.Client, prefix string, fallback *LocalLimiter) *RPMLimiter {
	if prefix == "" {
		prefix = defaultRPMPrefix
	}
	return &RPMLimiter{rdb: rdb, prefix: prefix, fallback: fallback, now: time.Now}
}

// Allow returns true if one more request on scope stays within limit per
// minute. limit ≤ 0 disables the check.
func (r *RPMLimiter) Allow(ctx context.Context, scope string, limit int) bool {
	if limit <= 0 {
		return true
	}
	if r.rdb == nil {
		return r.local(scope, limit)
	}

	now := r.now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.prefix + ":" + scope},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable: degrade to the in-process limiter.
		return r.local(scope, limit)
	}
	return result == 1
}

func (r *RPMLimiter) local(scope string, limit int) bool {
	if r.fallback == nil {
		return true
	}
	return r.fallback.Allow(scope, limit)
}
