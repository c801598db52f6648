// Package cache holds the shared byte-value caches of the relay.
//
// Two backends implement Cache:
//   - Redis: shared by every replica. Recommended for clusters.
//   - Memory: in-process, for single-instance deployments and tests.
//
// Callers treat the cache as advisory. A failed lookup is a miss and a
// failed write is dropped, so the backing source stays authoritative.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values under string keys with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
