// Package catalog holds the read-optimized routing snapshot: providers,
// endpoints, request filters, error rules and sensitive words.
//
// The snapshot is swapped atomically on every refresh; readers never block
// on a refresh and tolerate briefly stale data. Probe results live outside
// the snapshot so they survive refreshes.
package catalog

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// DefaultRefreshInterval is used when Run is given a non-positive interval.
const DefaultRefreshInterval = 30 * time.Second

// Source loads the routing configuration.
type Source interface {
	Providers(ctx context.Context) ([]providers.Provider, error)
	Endpoints(ctx context.Context) ([]providers.Endpoint, error)
	Filters(ctx context.Context) ([]store.Filter, error)
	ErrorRules(ctx context.Context) ([]store.ErrorRule, error)
	SensitiveWords(ctx context.Context) ([]string, error)
}

// Snapshot is one immutable view of the configuration.
type Snapshot struct {
	Providers      []*providers.Provider // ordered by id
	Filters        []store.Filter        // enabled only, ordered by priority
	Rules          *failure.Rules
	SensitiveWords []string
	LoadedAt       time.Time

	byID       map[int64]*providers.Provider
	byVendor   map[int64][]providers.Endpoint
	endpointTo map[int64]int64 // endpoint id → vendor id
}

// Provider returns the provider with id.
func (s *Snapshot) Provider(id int64) (*providers.Provider, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Catalog serves the current snapshot.
type Catalog struct {
	src      Source
	breakers circuit.Breaker
	log      *slog.Logger

	snap atomic.Pointer[Snapshot]

	probeMu        sync.RWMutex
	endpointProbes map[int64]providers.ProbeResult
	providerProbes map[int64]providers.ProbeResult
}

// New creates a Catalog. breakers, if not nil, receives each provider's
// circuit configuration on every refresh.
func New(src Source, breakers circuit.Breaker, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	c := &Catalog{
		src:            src,
		breakers:       breakers,
		log:            log,
		endpointProbes: make(map[int64]providers.ProbeResult),
		providerProbes: make(map[int64]providers.ProbeResult),
	}
	c.snap.Store(&Snapshot{
		Rules:      &failure.Rules{},
		byID:       map[int64]*providers.Provider{},
		byVendor:   map[int64][]providers.Endpoint{},
		endpointTo: map[int64]int64{},
	})
	return c
}

// Snapshot returns the current snapshot. Never nil.
func (c *Catalog) Snapshot() *Snapshot { return c.snap.Load() }

// Refresh reloads everything from the source and swaps the snapshot. On
// error the previous snapshot stays in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	ps, err := c.src.Providers(ctx)
	if err != nil {
		return fmt.Errorf("catalog: providers: %w", err)
	}
	eps, err := c.src.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("catalog: endpoints: %w", err)
	}
	filters, err := c.src.Filters(ctx)
	if err != nil {
		return fmt.Errorf("catalog: filters: %w", err)
	}
	rules, err := c.src.ErrorRules(ctx)
	if err != nil {
		return fmt.Errorf("catalog: error rules: %w", err)
	}
	words, err := c.src.SensitiveWords(ctx)
	if err != nil {
		return fmt.Errorf("catalog: sensitive words: %w", err)
	}

	snap := &Snapshot{
		LoadedAt:       time.Now(),
		SensitiveWords: words,
		Rules:          c.compileRules(rules),
		byID:           make(map[int64]*providers.Provider, len(ps)),
		byVendor:       make(map[int64][]providers.Endpoint),
		endpointTo:     make(map[int64]int64, len(eps)),
	}
	for i := range ps {
		p := &ps[i]
		if p.MaxRetryAttempts < 1 {
			p.MaxRetryAttempts = providers.DefaultMaxRetryAttempts
		}
		snap.Providers = append(snap.Providers, p)
		snap.byID[p.ID] = p
		if c.breakers != nil {
			c.breakers.Configure(circuit.ProviderKey(p.ID), p.Circuit)
		}
	}
	slices.SortFunc(snap.Providers, func(a, b *providers.Provider) int { return cmp.Compare(a.ID, b.ID) })

	c.probeMu.Lock()
	for _, e := range eps {
		// Persisted probes seed memory on first sight only; live probes win.
		if _, ok := c.endpointProbes[e.ID]; !ok && e.Probe != nil {
			c.endpointProbes[e.ID] = *e.Probe
		}
		e.Probe = nil
		snap.byVendor[e.VendorID] = append(snap.byVendor[e.VendorID], e)
		snap.endpointTo[e.ID] = e.VendorID
	}
	c.probeMu.Unlock()

	for _, f := range filters {
		if f.Enabled {
			snap.Filters = append(snap.Filters, f)
		}
	}
	slices.SortStableFunc(snap.Filters, func(a, b store.Filter) int { return a.Priority - b.Priority })

	c.snap.Store(snap)
	c.log.Debug("catalog_refreshed",
		slog.Int("providers", len(snap.Providers)),
		slog.Int("endpoints", len(eps)),
		slog.Int("filters", len(snap.Filters)),
		slog.Int("error_rules", snap.Rules.Len()),
	)
	return nil
}

func (c *Catalog) compileRules(rules []store.ErrorRule) *failure.Rules {
	var contains, patterns []string
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.MatchType == store.MatchRegex {
			if _, err := failure.NewRules(nil, []string{r.Pattern}); err != nil {
				c.log.Warn("error_rule_invalid", slog.Int64("id", r.ID), slog.String("error", err.Error()))
				continue
			}
			patterns = append(patterns, r.Pattern)
			continue
		}
		contains = append(contains, r.Pattern)
	}
	out, err := failure.NewRules(contains, patterns)
	if err != nil {
		return &failure.Rules{}
	}
	return out
}

// Run refreshes every interval until ctx is done. Refresh failures are
// logged and retried on the next tick.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error("catalog_refresh_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Providers returns every provider of the current snapshot, ordered by id.
func (c *Catalog) Providers() []*providers.Provider { return c.Snapshot().Providers }

// ── Endpoints & probes ──────────────────────────────────────────────────────

// Endpoints returns the endpoints of vendorID with their latest probe.
func (c *Catalog) Endpoints(vendorID int64) []providers.Endpoint {
	src := c.Snapshot().byVendor[vendorID]
	if len(src) == 0 {
		return nil
	}
	out := make([]providers.Endpoint, len(src))
	copy(out, src)

	c.probeMu.RLock()
	defer c.probeMu.RUnlock()
	for i := range out {
		if r, ok := c.endpointProbes[out[i].ID]; ok {
			out[i].Probe = &r
		}
	}
	return out
}

// AllEndpoints returns every endpoint of every vendor.
func (c *Catalog) AllEndpoints() []providers.Endpoint {
	snap := c.Snapshot()
	var out []providers.Endpoint
	for vendor := range snap.byVendor {
		out = append(out, c.Endpoints(vendor)...)
	}
	slices.SortFunc(out, func(a, b providers.Endpoint) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// SetEndpointProbe records the latest probe of an endpoint.
func (c *Catalog) SetEndpointProbe(id int64, r providers.ProbeResult) {
	c.probeMu.Lock()
	c.endpointProbes[id] = r
	c.probeMu.Unlock()
}

// SetProviderProbe records the latest probe of a provider base URL.
func (c *Catalog) SetProviderProbe(id int64, r providers.ProbeResult) {
	c.probeMu.Lock()
	c.providerProbes[id] = r
	c.probeMu.Unlock()
}

// ProviderProbe returns the latest probe of provider id.
func (c *Catalog) ProviderProbe(id int64) (providers.ProbeResult, bool) {
	c.probeMu.RLock()
	defer c.probeMu.RUnlock()
	r, ok := c.providerProbes[id]
	return r, ok
}
