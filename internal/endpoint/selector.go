// Package endpoint picks and health-checks the physical endpoints a provider
// is reached through.
package endpoint

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// Target is one upstream address the engine may call.
type Target = session.Target

// Source returns the endpoints of a vendor with their latest probe.
type Source interface {
	Endpoints(vendorID int64) []providers.Endpoint
}

// Selector orders the endpoints of a provider for one engagement.
type Selector struct {
	src      Source
	breakers circuit.Breaker
	log      *slog.Logger
}

// NewSelector creates a Selector. breakers may be nil, in which case every
// endpoint is eligible.
func NewSelector(src Source, breakers circuit.Breaker, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{src: src, breakers: breakers, log: log}
}

// Targets returns the ordered target list of p. The list is never empty:
// without a vendor pool the provider base URL is the only target.
//
// Healthy endpoints come first by ascending probe latency, then unprobed
// ones by id. When no endpoint is healthy every enabled endpoint is returned
// in the same order.
func (s *Selector) Targets(p *providers.Provider) []Target {
	base := []Target{{URL: p.BaseURL}}
	if p.VendorID == 0 {
		return base
	}

	var enabled []providers.Endpoint
	for _, e := range s.src.Endpoints(p.VendorID) {
		if e.Enabled && e.URL != "" {
			enabled = append(enabled, e)
		}
	}
	if len(enabled) == 0 {
		return base
	}
	slices.SortStableFunc(enabled, compareEndpoints)

	healthy := make([]providers.Endpoint, 0, len(enabled))
	for _, e := range enabled {
		if e.Probe != nil && !e.Probe.OK {
			continue
		}
		if s.breakers != nil && !s.breakers.Eligible(circuit.EndpointKey(e.ID)) {
			continue
		}
		healthy = append(healthy, e)
	}
	if len(healthy) == 0 {
		s.log.Warn("endpoint_degraded_fallback",
			slog.Int64("provider_id", p.ID),
			slog.Int64("vendor_id", p.VendorID),
			slog.Int("enabled", len(enabled)),
		)
		healthy = enabled
	}

	out := make([]Target, len(healthy))
	for i, e := range healthy {
		id := e.ID
		out[i] = Target{EndpointID: &id, URL: e.URL}
	}
	return out
}

// compareEndpoints orders probed endpoints by latency before unprobed ones,
// ties and unprobed endpoints by id.
func compareEndpoints(a, b providers.Endpoint) int {
	switch {
	case a.Probe != nil && b.Probe == nil:
		return -1
	case a.Probe == nil && b.Probe != nil:
		return 1
	case a.Probe != nil && b.Probe != nil:
		if c := cmp.Compare(a.Probe.LatencyMs, b.Probe.LatencyMs); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}
