package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/endpoint"
	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/forward"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/providers/gemini"
	"github.com/nulpointcorp/llm-relay/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/selector"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/settings"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/tracing"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

const (
	keyCacheSize     = 4096
	sessionCacheSize = 100_000
	localBuckets     = 10_000
)

// initInfra opens the configuration store and the optional external
// connections. Redis is only required when STATE_BACKEND=redis.
func (a *App) initInfra(ctx context.Context) error {
	db, err := store.Open(a.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.db = db

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("store migrate: %w", err)
	}
	if err := store.Seed(ctx, db, a.cfg.Seed); err != nil {
		return fmt.Errorf("store seed: %w", err)
	}
	a.log.Info("store ready", slog.String("path", a.cfg.Database.Path))

	if a.cfg.State.Backend == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Exporter:    a.cfg.Tracing.Exporter,
		Endpoint:    a.cfg.Tracing.Endpoint,
		Insecure:    a.cfg.Tracing.Insecure,
		SampleRate:  a.cfg.Tracing.SampleRate,
		ServiceName: "llm-relay",
		Version:     a.version,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.traceShutdown = shutdown

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initCatalog builds the breaker registries and loads the first routing
// snapshot. A store without providers is allowed; requests then fail with
// "no available provider" until the catalog picks some up.
func (a *App) initCatalog(ctx context.Context) error {
	hook := circuit.WithStateChange(a.onBreakerChange)
	a.registry = map[string]*circuit.Registry{
		"provider":    circuit.NewRegistry("provider", a.cfg.Circuit.Provider, hook),
		"vendor_type": circuit.NewRegistry("vendor_type", a.cfg.Circuit.VendorType, hook),
		"endpoint":    circuit.NewRegistry("endpoint", a.cfg.Circuit.Endpoint, hook),
	}
	a.breakers = circuit.Set{
		Providers:   a.registry["provider"],
		VendorTypes: a.registry["vendor_type"],
		Endpoints:   a.registry["endpoint"],
	}

	a.catalog = catalog.New(a.db, a.breakers.Providers, a.log)
	if err := a.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	a.log.Info("providers loaded", slog.Int("count", len(a.catalog.Providers())))

	a.targets = endpoint.NewSelector(a.catalog, a.breakers.Endpoints, a.log)

	hc := &http.Client{Timeout: a.cfg.Probe.Timeout}
	checkers := map[providers.Type]providers.Checker{
		providers.TypeClaude:           anthropic.NewChecker(hc),
		providers.TypeCodex:            openaicompat.NewChecker("codex", hc),
		providers.TypeOpenAICompatible: openaicompat.NewChecker("openai-compatible", hc),
		providers.TypeGemini:           gemini.NewChecker(hc),
	}
	a.prober = endpoint.NewProber(a.catalog, checkers,
		endpoint.WithProbeStore(a.db),
		endpoint.WithHealthRecorder(a.prom),
		endpoint.WithReadiness(a.ready),
		endpoint.WithProbeInterval(a.cfg.Probe.Interval),
		endpoint.WithProbeTimeout(a.cfg.Probe.Timeout),
		endpoint.WithProberLogger(a.log),
	)

	return nil
}

// initServices creates the state backends and the forwarding engine.
func (a *App) initServices(ctx context.Context) error {
	a.settings = settings.New(a.db, a.cfg.Session.SettingsTTL, a.log)

	var (
		sessStore  session.Store
		spendStore ratelimit.SpendStore
		priceCache cache.Cache
	)
	prefix := a.cfg.State.KeyPrefix
	local := ratelimit.NewLocalLimiter(localBuckets)

	switch a.cfg.State.Backend {
	case "redis":
		// Shared across replicas. Each concern degrades on its own when
		// Redis misbehaves at request time.
		sessStore = session.NewRedisStore(a.rdb, prefix)
		spendStore = ratelimit.NewRedisSpendStore(a.rdb, prefix)
		priceCache = cache.NewRedis(a.rdb, prefix+":")
		a.tracker = concurrency.NewRedis(a.rdb, prefix, a.cfg.Session.ConcurrencyTTL)
		a.rpm = ratelimit.NewRPMLimiter(a.rdb, prefix, local)
		a.log.Info("state backend: redis")

	case "memory":
		// Zero external dependencies, not shared across replicas.
		sessStore = session.NewMemoryStore(sessionCacheSize, a.cfg.Session.TTL)
		spendStore = ratelimit.NewMemorySpendStore()
		priceCache = cache.NewMemory()
		a.tracker = concurrency.NewMemory()
		a.rpm = ratelimit.NewRPMLimiter(nil, prefix, local)
		a.log.Info("state backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown state backend: %s", a.cfg.State.Backend)
	}

	a.sessions = session.NewManager(sessStore, a.cfg.Session.TTL, a.log)
	a.spend = ratelimit.NewSpendLimiter(spendStore)
	a.billing = billing.NewResolver(
		billing.NewCachedPrices(a.db, priceCache, a.cfg.Session.PriceCacheTTL),
		a.settings, a.log)
	a.keys = guard.NewKeyCache(a.db, keyCacheSize, a.cfg.Session.KeyCacheTTL)

	a.chooser = selector.New(a.catalog, a.breakers,
		selector.WithSpend(a.spend),
		selector.WithActive(a.tracker),
		selector.WithSessions(a.sessions),
		selector.WithLogger(a.log),
	)

	doer := upstream.New(upstream.Options{DialTimeout: a.cfg.Server.UpstreamDialTimeout})
	a.engine = forward.New(doer, a.targets, a.breakers,
		forward.WithRules(func() *failure.Rules { return a.catalog.Snapshot().Rules }),
		forward.WithRecorder(a.prom),
		forward.WithLogger(a.log),
	)

	if err := a.initUsage(ctx); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	a.audit = audit.New(a.cfg.AuditSize)

	return nil
}

// initUsage starts the metering logger for the configured sink.
func (a *App) initUsage(ctx context.Context) error {
	var w usage.Writer
	switch a.cfg.Usage.Sink {
	case "none":
		a.log.Info("usage sink: disabled")
		return nil

	case "clickhouse":
		ch, err := usage.NewClickHouseWriter(ctx, usage.ClickHouseConfig{
			DSN:   a.cfg.Usage.ClickHouseDSN,
			Table: a.cfg.Usage.ClickHouseTable,
		})
		if err != nil {
			return err
		}
		w = ch

	default:
		w = usage.NewSlogWriter(a.log)
	}

	u, err := usage.New(ctx, w,
		usage.WithLogger(a.log),
		usage.WithBatchSize(a.cfg.Usage.BatchSize),
		usage.WithFlushInterval(a.cfg.Usage.FlushInterval),
		usage.WithDropHook(a.prom.RecordUsageDropped),
	)
	if err != nil {
		_ = w.Close()
		return err
	}
	a.usage = u
	a.log.Info("usage sink ready", slog.String("sink", a.cfg.Usage.Sink))

	return nil
}

// initGateway builds the guard pipelines and the Gateway.
func (a *App) initGateway(_ context.Context) error {
	deps := guard.Deps{
		Keys:     a.keys,
		Settings: a.settings,
		Catalog:  a.catalog,
		Sessions: a.sessions,
		RPM:      a.rpm,
		Spend:    a.spend,
		Active:   a.tracker,
		Chooser:  a.chooser,
		Billing:  a.billing,
		Metrics:  a.prom,
		Log:      a.log,
	}

	circuits := make(map[string]proxy.CircuitLister, len(a.registry))
	for scope, r := range a.registry {
		circuits[scope] = r
	}

	opts := proxy.GatewayOptions{
		Logger:      a.log,
		Full:        guard.Full(deps),
		CountTokens: guard.CountTokens(deps),
		Engine:      a.engine,
		Tracker:     a.tracker,
		Spend:       a.spend,
		Billing:     a.billing,
		Audit:       a.audit,
		Health:      a.prober,
		Circuits:    circuits,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		AdminToken:  a.cfg.AdminToken,
		Version:     a.version,
	}
	// A nil *usage.Logger must not reach the interface.
	if a.usage != nil {
		opts.Usage = a.usage
	}

	a.gw = proxy.NewGateway(a.baseCtx, opts)

	return nil
}
