// Package selector chooses the provider of a request: filtering by format,
// model, circuit state, health, spend and concurrency, then session reuse or
// a weighted pick inside the best priority tier.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// ErrNoProvider is returned when no provider can serve the request.
var ErrNoProvider = errors.New("selector: no available provider")

// Catalog is the provider view the chooser reads.
type Catalog interface {
	Providers() []*providers.Provider
	ProviderProbe(id int64) (providers.ProbeResult, bool)
}

// SpendChecker reports the first exhausted USD window of scope, "" if none.
type SpendChecker interface {
	Exceeded(ctx context.Context, scope string, limits providers.Limits) (window string, err error)
}

// ActiveCounter counts the sessions in flight on scope.
type ActiveCounter interface {
	Active(ctx context.Context, scope string) (int, error)
	IsActive(ctx context.Context, scope, sessionID string) (bool, error)
}

// Binder keeps the session→provider binding.
type Binder interface {
	Bound(ctx context.Context, sessionID string) (int64, bool)
	Bind(ctx context.Context, sessionID string, providerID int64)
}

// Chooser picks providers. The zero value is not usable; see New.
type Chooser struct {
	cat      Catalog
	breakers circuit.Set
	spend    SpendChecker
	active   ActiveCounter
	sessions Binder
	rand     func() float64
	log      *slog.Logger
}

// Option configures a Chooser.
type Option func(*Chooser)

// WithSpend excludes providers whose USD windows are exhausted.
func WithSpend(s SpendChecker) Option { return func(c *Chooser) { c.spend = s } }

// WithActive excludes providers at their session concurrency ceiling. A
// session that already has a request in flight on the provider is not
// excluded by it.
func WithActive(a ActiveCounter) Option { return func(c *Chooser) { c.active = a } }

// WithSessions enables sticky session reuse.
func WithSessions(b Binder) Option { return func(c *Chooser) { c.sessions = b } }

// WithRand overrides the random source; fn returns values in [0,1).
func WithRand(fn func() float64) Option { return func(c *Chooser) { c.rand = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chooser) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Chooser over cat. breakers.Providers and
// breakers.VendorTypes may be nil.
func New(cat Catalog, breakers circuit.Set, opts ...Option) *Chooser {
	c := &Chooser{
		cat:      cat,
		breakers: breakers,
		rand:     rand.Float64,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Choose selects the provider for s and acquires its breaker. The caller
// records the outcome on the provider breaker, or releases it on abort.
func (c *Chooser) Choose(ctx context.Context, s *session.Session) (*providers.Provider, *session.DecisionContext, error) {
	all := c.cat.Providers()
	dc := &session.DecisionContext{TotalProviders: len(all)}
	model := s.OriginalModel
	if model == "" {
		model = s.Request.Model
	}

	var enabled []*providers.Provider
	for _, p := range all {
		if p.Enabled && p.Type.Serves(s.Format) && p.AllowsModel(model) {
			enabled = append(enabled, p)
		}
	}
	dc.EnabledProviders = len(enabled)

	healthy := make([]*providers.Provider, 0, len(enabled))
	for _, p := range enabled {
		if reason := c.exclusion(ctx, s.SessionID, p); reason != "" {
			dc.Excluded = append(dc.Excluded, session.Exclusion{ProviderID: p.ID, Name: p.Name, Reason: reason})
			continue
		}
		healthy = append(healthy, p)
	}
	dc.HealthyProviders = len(healthy)
	dc.Priorities = priorities(healthy)

	if p := c.reuse(ctx, s, healthy); p != nil {
		if c.acquire(p) {
			dc.SessionReuse = true
			dc.SelectedPriority = p.Priority
			dc.Candidates = []session.Candidate{candidate(p, 1)}
			return p, dc, nil
		}
		dc.Excluded = append(dc.Excluded, session.Exclusion{ProviderID: p.ID, Name: p.Name, Reason: session.ExcludeAcquireFailed})
		healthy = remove(healthy, p)
	}

	for len(healthy) > 0 {
		tier := lowestTier(healthy)
		p, cands := c.pick(tier)
		dc.SelectedPriority = p.Priority
		dc.Candidates = cands

		if c.acquire(p) {
			c.bind(ctx, s, p)
			return p, dc, nil
		}
		dc.Excluded = append(dc.Excluded, session.Exclusion{ProviderID: p.ID, Name: p.Name, Reason: session.ExcludeAcquireFailed})
		healthy = remove(healthy, p)
	}

	c.log.Warn("no_available_provider",
		slog.String("request_id", s.RequestID),
		slog.String("format", string(s.Format)),
		slog.String("model", model),
		slog.Int("total", dc.TotalProviders),
		slog.Int("enabled", dc.EnabledProviders),
	)
	return nil, dc, ErrNoProvider
}

// exclusion returns why p may not be selected, "" if it may.
func (c *Chooser) exclusion(ctx context.Context, sessionID string, p *providers.Provider) string {
	if vt := c.breakers.VendorTypes; vt != nil && !vt.Eligible(circuit.VendorTypeKey(p.VendorID, string(p.Type))) {
		return session.ExcludeVendorCircuit
	}
	if pb := c.breakers.Providers; pb != nil && !pb.Eligible(circuit.ProviderKey(p.ID)) {
		return session.ExcludeCircuitOpen
	}
	if r, ok := c.cat.ProviderProbe(p.ID); ok && !r.OK {
		return session.ExcludeUnhealthy
	}

	scope := concurrency.ProviderScope(p.ID)
	if c.spend != nil {
		window, err := c.spend.Exceeded(ctx, scope, p.Limits)
		if err != nil {
			c.log.Warn("spend_check_failed", slog.Int64("provider_id", p.ID), slog.String("error", err.Error()))
		} else if window != "" {
			return session.ExcludeSpendLimit
		}
	}
	if c.active != nil && p.Limits.MaxConcurrentSessions > 0 {
		full, err := concurrency.AtCapacity(ctx, c.active, scope, sessionID, p.Limits.MaxConcurrentSessions)
		if err != nil {
			c.log.Warn("concurrency_check_failed", slog.Int64("provider_id", p.ID), slog.String("error", err.Error()))
		} else if full {
			return session.ExcludeConcurrencyLimit
		}
	}
	return ""
}

func (c *Chooser) reuse(ctx context.Context, s *session.Session, healthy []*providers.Provider) *providers.Provider {
	if c.sessions == nil || s.SessionID == "" || s.IsProbe {
		return nil
	}
	id, ok := c.sessions.Bound(ctx, s.SessionID)
	if !ok {
		return nil
	}
	for _, p := range healthy {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (c *Chooser) bind(ctx context.Context, s *session.Session, p *providers.Provider) {
	if c.sessions != nil && s.SessionID != "" && !s.IsProbe {
		c.sessions.Bind(ctx, s.SessionID, p.ID)
	}
}

func (c *Chooser) acquire(p *providers.Provider) bool {
	if c.breakers.Providers == nil {
		return true
	}
	return c.breakers.Providers.Acquire(circuit.ProviderKey(p.ID))
}

// pick draws one provider of tier by weight: P = w / Σw. Non-positive
// weights count as zero; an all-zero tier is uniform.
func (c *Chooser) pick(tier []*providers.Provider) (*providers.Provider, []session.Candidate) {
	var total float64
	for _, p := range tier {
		total += max(p.Weight, 0)
	}

	cands := make([]session.Candidate, len(tier))
	for i, p := range tier {
		prob := 1 / float64(len(tier))
		if total > 0 {
			prob = max(p.Weight, 0) / total
		}
		cands[i] = candidate(p, prob)
	}

	if total <= 0 {
		i := int(c.rand() * float64(len(tier)))
		return tier[min(i, len(tier)-1)], cands
	}

	r := c.rand() * total
	var acc float64
	for _, p := range tier {
		w := max(p.Weight, 0)
		if w == 0 {
			continue
		}
		acc += w
		if r < acc {
			return p, cands
		}
	}
	// Floating point rounding: fall back to the last weighted provider.
	for i := len(tier) - 1; i >= 0; i-- {
		if tier[i].Weight > 0 {
			return tier[i], cands
		}
	}
	return tier[0], cands
}

func candidate(p *providers.Provider, prob float64) session.Candidate {
	return session.Candidate{
		ProviderID:     p.ID,
		Name:           p.Name,
		Weight:         p.Weight,
		CostMultiplier: p.CostMultiplier,
		Probability:    session.ProbabilityPercent(prob),
	}
}

func lowestTier(ps []*providers.Provider) []*providers.Provider {
	best := ps[0].Priority
	for _, p := range ps[1:] {
		best = min(best, p.Priority)
	}
	var tier []*providers.Provider
	for _, p := range ps {
		if p.Priority == best {
			tier = append(tier, p)
		}
	}
	return tier
}

func priorities(ps []*providers.Provider) []int {
	out := make([]int, 0, len(ps))
	for _, p := range ps {
		if !slices.Contains(out, p.Priority) {
			out = append(out, p.Priority)
		}
	}
	slices.Sort(out)
	return out
}

func remove(ps []*providers.Provider, p *providers.Provider) []*providers.Provider {
	return slices.DeleteFunc(slices.Clone(ps), func(x *providers.Provider) bool { return x.ID == p.ID })
}
