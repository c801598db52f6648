package endpoint

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const (
	// DefaultProbeInterval is the pause between two probe rounds.
	DefaultProbeInterval = 30 * time.Second
	probeParallelism     = 16
)

// Health labels reported by Snapshot.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusUnknown  = "unknown"
)

// Catalog is the part of the routing catalog the prober reads and updates.
type Catalog interface {
	Providers() []*providers.Provider
	AllEndpoints() []providers.Endpoint
	SetEndpointProbe(id int64, r providers.ProbeResult)
	SetProviderProbe(id int64, r providers.ProbeResult)
}

// ProbeStore persists endpoint probe results.
type ProbeStore interface {
	SaveProbe(ctx context.Context, endpointID int64, r providers.ProbeResult) error
}

// HealthRecorder receives every probe outcome, typically a metrics registry.
type HealthRecorder interface {
	SetUpstreamHealth(scope, id string, ok bool)
}

// Prober runs background probes of every provider base URL and every
// enabled endpoint, and exposes the latest results.
type Prober struct {
	cat      Catalog
	checkers map[providers.Type]providers.Checker
	store    ProbeStore
	recorder HealthRecorder
	ready    func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	providers map[int64]status
	endpoints map[int64]status
	database  string

	startTime time.Time
}

type status struct {
	name  string
	state string
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeStore persists endpoint probes. Failures are logged only.
func WithProbeStore(s ProbeStore) ProberOption { return func(p *Prober) { p.store = s } }

// WithHealthRecorder reports every probe outcome to r.
func WithHealthRecorder(r HealthRecorder) ProberOption { return func(p *Prober) { p.recorder = r } }

// WithReadiness sets the database reachability check behind ReadinessOK.
func WithReadiness(fn func(ctx context.Context) error) ProberOption {
	return func(p *Prober) { p.ready = fn }
}

// WithProbeInterval overrides DefaultProbeInterval.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeTimeout overrides providers.ProbeTimeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProberLogger sets the logger.
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.log = l
		}
	}
}

// NewProber creates a Prober. checkers maps each provider type to the SDK
// checker used to probe it; types without a checker are skipped.
func NewProber(cat Catalog, checkers map[providers.Type]providers.Checker, opts ...ProberOption) *Prober {
	p := &Prober{
		cat:       cat,
		checkers:  checkers,
		interval:  DefaultProbeInterval,
		timeout:   providers.ProbeTimeout,
		log:       slog.Default(),
		now:       time.Now,
		providers: make(map[int64]status),
		endpoints: make(map[int64]status),
		startTime: time.Now(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run probes once immediately, then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.ProbeOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ProbeOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// ProbeOnce runs one round of probes in parallel and waits for it.
func (p *Prober) ProbeOnce(ctx context.Context) {
	provs := p.cat.Providers()

	// Endpoints carry no credential of their own: the first enabled provider
	// of the vendor lends its key and type.
	owner := make(map[int64]*providers.Provider)
	for _, pr := range provs {
		if pr.VendorID != 0 && pr.Enabled {
			if _, ok := owner[pr.VendorID]; !ok {
				owner[pr.VendorID] = pr
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)

	for _, pr := range provs {
		if !pr.Enabled {
			continue
		}
		chk, ok := p.checkers[pr.Type]
		if !ok {
			continue
		}
		g.Go(func() error {
			r := p.check(gctx, chk, pr.BaseURL, pr.APIKey)
			p.cat.SetProviderProbe(pr.ID, r)
			p.setStatus(p.providers, pr.ID, pr.Name, r.OK)
			p.record("provider", pr.ID, r.OK)
			return nil
		})
	}

	for _, e := range p.cat.AllEndpoints() {
		if !e.Enabled {
			continue
		}
		pr, ok := owner[e.VendorID]
		if !ok {
			continue
		}
		chk, ok := p.checkers[pr.Type]
		if !ok {
			continue
		}
		g.Go(func() error {
			r := p.check(gctx, chk, e.URL, pr.APIKey)
			p.cat.SetEndpointProbe(e.ID, r)
			p.setStatus(p.endpoints, e.ID, e.URL, r.OK)
			p.record("endpoint", e.ID, r.OK)
			if p.store != nil {
				if err := p.store.SaveProbe(gctx, e.ID, r); err != nil {
					p.log.Warn("probe_persist_failed",
						slog.Int64("endpoint_id", e.ID),
						slog.String("error", err.Error()),
					)
				}
			}
			return nil
		})
	}

	if p.ready != nil {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()
			state := StatusOK
			if err := p.ready(rctx); err != nil {
				state = StatusDown
			}
			p.mu.Lock()
			p.database = state
			p.mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
}

func (p *Prober) check(ctx context.Context, chk providers.Checker, baseURL, apiKey string) providers.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	code, err := chk.Check(ctx, baseURL, apiKey)
	r := providers.ProbeResult{
		OK:         err == nil,
		LatencyMs:  p.now().Sub(start).Milliseconds(),
		StatusCode: code,
		CheckedAt:  start,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (p *Prober) setStatus(m map[int64]status, id int64, name string, ok bool) {
	state := StatusOK
	if !ok {
		state = StatusDegraded
	}
	p.mu.Lock()
	m[id] = status{name: name, state: state}
	p.mu.Unlock()
}

func (p *Prober) record(scope string, id int64, ok bool) {
	if p.recorder != nil {
		p.recorder.SetUpstreamHealth(scope, strconv.FormatInt(id, 10), ok)
	}
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Endpoints     map[string]string `json:"endpoints"`
	Database      string            `json:"database"`
}

// Snapshot builds a snapshot from the latest probe results.
func (p *Prober) Snapshot() HealthSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	overall := StatusOK
	provs := make(map[string]string, len(p.providers))
	for _, s := range p.providers {
		provs[s.name] = s.state
		if s.state != StatusOK {
			overall = StatusDegraded
		}
	}
	eps := make(map[string]string, len(p.endpoints))
	for id, s := range p.endpoints {
		eps[strconv.FormatInt(id, 10)] = s.state
	}

	db := p.database
	if db == "" {
		db = StatusUnknown
		if p.ready == nil {
			db = StatusOK
		}
	}
	if db == StatusDown {
		overall = StatusDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Providers:     provs,
		Endpoints:     eps,
		Database:      db,
	}
}

// ReadinessOK reports whether the configuration store is reachable (used by
// GET /readiness for Kubernetes probes).
func (p *Prober) ReadinessOK() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready == nil || p.database == StatusOK
}
