package guard

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// Key cache defaults.
const (
	DefaultKeyCacheSize = 4096
	DefaultKeyCacheTTL  = time.Minute
)

// KeySource looks up an API key by its SHA-256 hex hash. Unknown keys
// return store.ErrNotFound.
type KeySource interface {
	KeyByHash(ctx context.Context, hash string) (*session.Auth, error)
}

// KeyCache is a KeySource with a bounded, expiring cache in front of it.
// Only found keys are cached; a miss always reaches the source.
type KeyCache struct {
	src   KeySource
	cache *expirable.LRU[string, *session.Auth]
}

var _ KeySource = (*KeyCache)(nil)

// NewKeyCache wraps src. Non-positive size or ttl use the defaults.
func NewKeyCache(src KeySource, size int, ttl time.Duration) *KeyCache {
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyCache{src: src, cache: expirable.NewLRU[string, *session.Auth](size, nil, ttl)}
}

func (k *KeyCache) KeyByHash(ctx context.Context, hash string) (*session.Auth, error) {
	if a, ok := k.cache.Get(hash); ok {
		return a, nil
	}
	a, err := k.src.KeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	k.cache.Add(hash, a)
	return a, nil
}

// Purge drops every cached key.
func (k *KeyCache) Purge() { k.cache.Purge() }

// isNotFound reports whether err means the key does not exist.
func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// ExtractKey returns the client API key of s, from the first present of
// x-api-key, Authorization: Bearer, x-goog-api-key and the ?key= query
// parameter.
func ExtractKey(s *session.Session) string {
	if k := strings.TrimSpace(s.Headers.Get("X-Api-Key")); k != "" {
		return k
	}
	if k := parseBearerToken(strings.TrimSpace(s.Headers.Get("Authorization"))); k != "" {
		return k
	}
	if k := strings.TrimSpace(s.Headers.Get("X-Goog-Api-Key")); k != "" {
		return k
	}
	if s.RawQuery != "" {
		if q, err := url.ParseQuery(s.RawQuery); err == nil {
			return strings.TrimSpace(q.Get("key"))
		}
	}
	return ""
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
