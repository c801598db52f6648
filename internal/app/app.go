// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   : store (migrate + seed), Redis when configured, tracing, metrics
//  2. initCatalog : breakers, routing snapshot, endpoint selector, prober
//  3. initServices: state backends, guard dependencies, engine, usage logger
//  4. initGateway : guard pipelines + wire endpoints
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/endpoint"
	"github.com/nulpointcorp/llm-relay/internal/forward"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/selector"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/settings"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	closeMu sync.Mutex

	// External connections. rdb is nil with the memory state backend.
	db            *store.SQLite
	rdb           *redis.Client
	traceShutdown func(context.Context) error

	prom *metrics.Registry

	breakers circuit.Set
	registry map[string]*circuit.Registry
	catalog  *catalog.Catalog
	targets  *endpoint.Selector
	prober   *endpoint.Prober

	settings *settings.Cached
	sessions *session.Manager
	tracker  concurrency.Tracker
	rpm      *ratelimit.RPMLimiter
	spend    *ratelimit.SpendLimiter
	billing  *billing.Resolver
	keys     *guard.KeyCache
	chooser  *selector.Chooser
	engine   *forward.Engine
	usage    *usage.Logger
	audit    *audit.ChainLog

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the catalog refresher and the prober, and
// blocks until ctx is cancelled or one of them fails. It closes the app
// gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("state_backend", a.cfg.State.Backend),
		slog.String("usage_sink", a.cfg.Usage.Sink),
		slog.Int("providers", len(a.catalog.Providers())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(gctx, addr, proxy.ServerOptions{
			ReadTimeout:        a.cfg.Server.ReadTimeout,
			WriteTimeout:       a.cfg.Server.WriteTimeout,
			IdleTimeout:        a.cfg.Server.IdleTimeout,
			MaxRequestBodySize: a.cfg.Server.MaxRequestBodySize,
			ShutdownTimeout:    a.cfg.Server.ShutdownTimeout,
		})
	})
	g.Go(func() error {
		return a.catalog.Run(gctx, a.cfg.Catalog.RefreshInterval)
	})
	g.Go(func() error {
		return a.prober.Run(gctx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()

	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Error("usage logger close error", slog.String("error", err.Error()))
		}
		a.usage = nil
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.traceShutdown(ctx); err != nil {
			a.log.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		a.traceShutdown = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// Migrate creates the store schema and applies the seed section, then
// returns without starting any subsystem. It backs "gateway migrate".
func Migrate(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	if err := store.Seed(ctx, db, cfg.Seed); err != nil {
		return fmt.Errorf("app: seed: %w", err)
	}
	log.Info("store migrated",
		slog.String("path", cfg.Database.Path),
		slog.Int("seed_providers", len(cfg.Seed.Providers)),
		slog.Int("seed_keys", len(cfg.Seed.Keys)),
	)
	return nil
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// ready is the readiness probe: the store must answer, and Redis too when it
// backs the shared state.
func (a *App) ready(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// onBreakerChange logs and exports every breaker transition.
func (a *App) onBreakerChange(scope, key string, from, to circuit.State) {
	a.log.Warn("circuit_state_changed",
		slog.String("scope", scope),
		slog.String("key", key),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	a.prom.CircuitStateChanged(scope, key, from, to)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
