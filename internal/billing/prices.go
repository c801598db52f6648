package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
)

// DefaultPriceTTL is how long a price record stays cached.
const DefaultPriceTTL = 5 * time.Minute

const priceKeyPrefix = "relay:price:"

// missing marks a model known to have no price, so misses are cached too.
var missing = []byte("null")

// CachedPrices puts a shared cache in front of a PriceSource. Cache errors
// are ignored: the source is always authoritative.
type CachedPrices struct {
	src   PriceSource
	cache cache.Cache
	ttl   time.Duration
}

var _ PriceSource = (*CachedPrices)(nil)

// NewCachedPrices wraps src. ttl ≤ 0 uses DefaultPriceTTL.
func NewCachedPrices(src PriceSource, c cache.Cache, ttl time.Duration) *CachedPrices {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &CachedPrices{src: src, cache: c, ttl: ttl}
}

func (c *CachedPrices) Price(ctx context.Context, model string) (*pricing.Record, error) {
	key := priceKeyPrefix + model
	if raw, ok := c.cache.Get(ctx, key); ok {
		var rec *pricing.Record
		if err := json.Unmarshal(raw, &rec); err == nil {
			return rec, nil
		}
	}

	rec, err := c.src.Price(ctx, model)
	if err != nil {
		return nil, err
	}

	raw := missing
	if rec != nil {
		if b, err := json.Marshal(rec); err == nil {
			raw = b
		}
	}
	_ = c.cache.Set(ctx, key, raw, c.ttl)
	return rec, nil
}

// Invalidate drops the cached price of model.
func (c *CachedPrices) Invalidate(ctx context.Context, model string) error {
	return c.cache.Delete(ctx, priceKeyPrefix+model)
}
