package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// Redis is a Cache on a shared Redis instance. Keys are namespaced with a
// prefix so several relays can share one database.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set logs the error and returns nil.
//   - Delete returns the underlying error.
type Redis struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
	owned        bool
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{client: rdb, prefix: prefix, queryTimeout: defaultQueryTimeout}
}

// NewRedisFromURL dials redisURL, verifies the connection with a PING and
// returns a Redis cache that owns the client.
func NewRedisFromURL(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	c := NewRedis(cli, prefix)
	c.owned = true
	return c, nil
}

func (c *Redis) key(k string) string { return c.prefix + k }

// Get returns (data, true) on a hit and (nil, false) on a miss or any error.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key for ttl. It returns nil even on Redis error.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool when the cache dialled it itself.
func (c *Redis) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}
