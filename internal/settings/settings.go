// Package settings exposes the system settings the relay consults per
// request, cached in memory so the hot path never waits on the store.
//
// Every accessor is safe to fail: when the source errors or a value is
// malformed, the documented default is returned.
package settings

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Setting keys.
const (
	KeyBillingModelSource = "billing_model_source"
	KeyInterceptWarmup    = "intercept_warmup"
	KeyMinClientVersion   = "min_client_version" // "name=x.y.z,name2=x.y.z"
	KeyProbePhrases       = "probe_phrases"      // comma separated
)

// Billing model sources.
const (
	SourceOriginal   = "original"
	SourceRedirected = "redirected"
)

// DefaultTTL is how long a settings snapshot is served before refetching.
const DefaultTTL = 30 * time.Second

// DefaultProbePhrases are payloads clients send to probe connectivity.
var DefaultProbePhrases = []string{"foo", "hi", "quota", "test"}

const snapshotKey = "settings"

// Source loads every setting.
type Source interface {
	Settings(ctx context.Context) (map[string]string, error)
}

// Cached is the settings accessor used by the guard and the billing resolver.
type Cached struct {
	src   Source
	cache *cache.Cache
	log   *slog.Logger
}

// New creates a Cached accessor. ttl ≤ 0 uses DefaultTTL.
func New(src Source, ttl time.Duration, log *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cached{src: src, cache: cache.New(ttl, ttl*2), log: log}
}

// Invalidate drops the cached snapshot.
func (c *Cached) Invalidate() { c.cache.Delete(snapshotKey) }

func (c *Cached) snapshot(ctx context.Context) (map[string]string, error) {
	if v, ok := c.cache.Get(snapshotKey); ok {
		if m, ok := v.(map[string]string); ok {
			return m, nil
		}
	}
	m, err := c.src.Settings(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(snapshotKey, m, cache.DefaultExpiration)
	return m, nil
}

// Get returns the raw value of key.
func (c *Cached) Get(ctx context.Context, key string) (string, bool, error) {
	m, err := c.snapshot(ctx)
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (c *Cached) value(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.Get(ctx, key)
	if err != nil {
		c.log.Warn("settings_read_failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return strings.TrimSpace(v), ok
}

// BillingModelSource returns SourceOriginal or SourceRedirected. Unknown
// values and read errors fall back to SourceRedirected.
func (c *Cached) BillingModelSource(ctx context.Context) string {
	v, _ := c.value(ctx, KeyBillingModelSource)
	if strings.EqualFold(v, SourceOriginal) {
		return SourceOriginal
	}
	return SourceRedirected
}

// InterceptWarmup reports whether Claude CLI warm-ups are answered locally.
// Default false.
func (c *Cached) InterceptWarmup(ctx context.Context) bool {
	v, ok := c.value(ctx, KeyInterceptWarmup)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// MinClientVersions returns the minimum version per client name.
func (c *Cached) MinClientVersions(ctx context.Context) map[string]string {
	v, _ := c.value(ctx, KeyMinClientVersion)
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		name, ver, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || ver == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(ver)
	}
	return out
}

// ProbePhrases returns the payload texts that mark a probe request.
func (c *Cached) ProbePhrases(ctx context.Context) []string {
	v, ok := c.value(ctx, KeyProbePhrases)
	if !ok || v == "" {
		return DefaultProbePhrases
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return DefaultProbePhrases
	}
	return out
}
