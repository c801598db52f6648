// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REDIS_URL becomes redis_url in
// YAML.
//
// Providers, endpoints, keys and prices live in the SQLite store. The
// optional "seed:" section of config.yaml is upserted into the store at
// startup so a fresh deployment is routable without an admin UI.
//
// Redis is optional. STATE_BACKEND=memory keeps sessions, rate limits, spend
// and concurrency in-process, which is only correct for a single replica.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Server   ServerConfig
	Database DatabaseConfig
	State    StateConfig
	Redis    RedisConfig

	// Circuit holds the breaker defaults per scope. Provider breakers are
	// further tuned per provider from the store.
	Circuit CircuitConfig

	Catalog CatalogConfig
	Probe   ProbeConfig
	Session SessionConfig
	Usage   UsageConfig
	Tracing TracingConfig

	// AuditSize is the number of recent request chains kept for
	// GET /api/requests/{id}/chain. Default: 10000.
	AuditSize int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AdminToken guards the /api routes. Empty leaves them open.
	AdminToken string

	// Seed is the "seed:" section of config.yaml.
	Seed store.SeedConfig
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int
	// UpstreamDialTimeout bounds connection setup to a vendor.
	UpstreamDialTimeout time.Duration
}

// DatabaseConfig locates the SQLite configuration store.
type DatabaseConfig struct {
	// Path is the SQLite file. Default: relay.db.
	Path string
}

// StateConfig selects where shared request state lives.
type StateConfig struct {
	// Backend selects the state backend:
	//   "redis" : shared across replicas (requires REDIS_URL).
	//   "memory": in-process, single replica only.
	// Default: "memory".
	Backend string

	// KeyPrefix namespaces every Redis key of this deployment.
	// Default: "relay".
	KeyPrefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CircuitConfig holds the default breaker tuning of each scope.
type CircuitConfig struct {
	Provider   circuit.Config
	VendorType circuit.Config
	Endpoint   circuit.Config
}

// CatalogConfig controls the routing snapshot refresh.
type CatalogConfig struct {
	// RefreshInterval is how often the snapshot is rebuilt from the store.
	// Default: 10s.
	RefreshInterval time.Duration
}

// ProbeConfig controls background health probing.
type ProbeConfig struct {
	Interval time.Duration // Default: 30s.
	Timeout  time.Duration // Default: 5s.
}

// SessionConfig controls session stickiness and guard caches.
type SessionConfig struct {
	// TTL is how long a session stays bound to its provider. Default: 5m.
	TTL time.Duration

	// ConcurrencyTTL expires leaked concurrency entries in Redis.
	// Default: 10m.
	ConcurrencyTTL time.Duration

	// KeyCacheTTL bounds how long a resolved API key is reused. Default: 1m.
	KeyCacheTTL time.Duration

	// PriceCacheTTL bounds how long a model price is reused. Default: 5m.
	PriceCacheTTL time.Duration

	// SettingsTTL bounds how long system settings are reused. Default: 30s.
	SettingsTTL time.Duration
}

// UsageConfig controls metering output.
type UsageConfig struct {
	// Sink selects the usage writer:
	//   "slog"      : one structured log event per record (default).
	//   "clickhouse": batched inserts (requires CLICKHOUSE_DSN).
	//   "none"      : metering disabled.
	Sink string

	ClickHouseDSN   string
	ClickHouseTable string
	BatchSize       int
	FlushInterval   time.Duration
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	// Exporter is one of: none, stdout, otlp-http. Default: none.
	Exporter   string
	Endpoint   string
	Insecure   bool
	SampleRate float64
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return build(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Server.
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "0s") // streams may run long
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("MAX_REQUEST_BODY_SIZE", 32<<20)
	v.SetDefault("UPSTREAM_DIAL_TIMEOUT", "10s")

	// Storage and state.
	v.SetDefault("DATABASE_PATH", "relay.db")
	v.SetDefault("STATE_BACKEND", "memory")
	v.SetDefault("STATE_KEY_PREFIX", "relay")

	// Circuit breaker defaults.
	v.SetDefault("CB_PROVIDER_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_PROVIDER_OPEN_DURATION", "30m")
	v.SetDefault("CB_PROVIDER_HALF_OPEN_SUCCESSES", 2)
	v.SetDefault("CB_VENDOR_TYPE_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_VENDOR_TYPE_OPEN_DURATION", "1m")
	v.SetDefault("CB_ENDPOINT_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_ENDPOINT_OPEN_DURATION", "5m")

	// Background loops.
	v.SetDefault("CATALOG_REFRESH_INTERVAL", "10s")
	v.SetDefault("PROBE_INTERVAL", "30s")
	v.SetDefault("PROBE_TIMEOUT", "5s")

	// Sessions and caches.
	v.SetDefault("SESSION_TTL", "5m")
	v.SetDefault("CONCURRENCY_TTL", "10m")
	v.SetDefault("KEY_CACHE_TTL", "1m")
	v.SetDefault("PRICE_CACHE_TTL", "5m")
	v.SetDefault("SETTINGS_TTL", "30s")
	v.SetDefault("AUDIT_SIZE", 10000)

	// Usage metering.
	v.SetDefault("USAGE_SINK", "slog")
	v.SetDefault("CLICKHOUSE_TABLE", "usage_records")
	v.SetDefault("USAGE_BATCH_SIZE", 100)
	v.SetDefault("USAGE_FLUSH_INTERVAL", "2s")

	// Tracing.
	v.SetDefault("TRACING_EXPORTER", "none")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Server: ServerConfig{
			ReadTimeout:         v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:        v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:         v.GetDuration("SERVER_IDLE_TIMEOUT"),
			ShutdownTimeout:     v.GetDuration("SHUTDOWN_TIMEOUT"),
			MaxRequestBodySize:  v.GetInt("MAX_REQUEST_BODY_SIZE"),
			UpstreamDialTimeout: v.GetDuration("UPSTREAM_DIAL_TIMEOUT"),
		},

		Database: DatabaseConfig{Path: v.GetString("DATABASE_PATH")},

		State: StateConfig{
			Backend:   strings.ToLower(v.GetString("STATE_BACKEND")),
			KeyPrefix: v.GetString("STATE_KEY_PREFIX"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Circuit: CircuitConfig{
			Provider: circuit.Config{
				FailureThreshold:  v.GetInt("CB_PROVIDER_FAILURE_THRESHOLD"),
				OpenDuration:      v.GetDuration("CB_PROVIDER_OPEN_DURATION"),
				HalfOpenSuccesses: v.GetInt("CB_PROVIDER_HALF_OPEN_SUCCESSES"),
				Window:            v.GetDuration("CB_PROVIDER_WINDOW"),
			},
			VendorType: circuit.Config{
				FailureThreshold: v.GetInt("CB_VENDOR_TYPE_FAILURE_THRESHOLD"),
				OpenDuration:     v.GetDuration("CB_VENDOR_TYPE_OPEN_DURATION"),
			},
			Endpoint: circuit.Config{
				FailureThreshold: v.GetInt("CB_ENDPOINT_FAILURE_THRESHOLD"),
				OpenDuration:     v.GetDuration("CB_ENDPOINT_OPEN_DURATION"),
			},
		},

		Catalog: CatalogConfig{RefreshInterval: v.GetDuration("CATALOG_REFRESH_INTERVAL")},

		Probe: ProbeConfig{
			Interval: v.GetDuration("PROBE_INTERVAL"),
			Timeout:  v.GetDuration("PROBE_TIMEOUT"),
		},

		Session: SessionConfig{
			TTL:            v.GetDuration("SESSION_TTL"),
			ConcurrencyTTL: v.GetDuration("CONCURRENCY_TTL"),
			KeyCacheTTL:    v.GetDuration("KEY_CACHE_TTL"),
			PriceCacheTTL:  v.GetDuration("PRICE_CACHE_TTL"),
			SettingsTTL:    v.GetDuration("SETTINGS_TTL"),
		},

		Usage: UsageConfig{
			Sink:            strings.ToLower(v.GetString("USAGE_SINK")),
			ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
			ClickHouseTable: v.GetString("CLICKHOUSE_TABLE"),
			BatchSize:       v.GetInt("USAGE_BATCH_SIZE"),
			FlushInterval:   v.GetDuration("USAGE_FLUSH_INTERVAL"),
		},

		Tracing: TracingConfig{
			Exporter:   strings.ToLower(v.GetString("TRACING_EXPORTER")),
			Endpoint:   v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:   v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRate: v.GetFloat64("TRACING_SAMPLE_RATE"),
		},

		AuditSize:   v.GetInt("AUDIT_SIZE"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
	}

	seedHooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.UnmarshalKey("seed", &cfg.Seed, seedHooks); err != nil {
		return nil, fmt.Errorf("config: seed section: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("config: DATABASE_PATH must not be empty")
	}

	switch c.State.Backend {
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when STATE_BACKEND=redis; " +
					"set STATE_BACKEND=memory for a single in-process replica",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid STATE_BACKEND %q; must be one of: redis, memory",
			c.State.Backend,
		)
	}

	switch c.Usage.Sink {
	case "clickhouse":
		if c.Usage.ClickHouseDSN == "" {
			return fmt.Errorf("config: CLICKHOUSE_DSN is required when USAGE_SINK=clickhouse")
		}
	case "slog", "none":
	default:
		return fmt.Errorf(
			"config: invalid USAGE_SINK %q; must be one of: slog, clickhouse, none",
			c.Usage.Sink,
		)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp-http":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("config: OTEL_EXPORTER_OTLP_ENDPOINT is required when TRACING_EXPORTER=otlp-http")
		}
	default:
		return fmt.Errorf(
			"config: invalid TRACING_EXPORTER %q; must be one of: none, stdout, otlp-http",
			c.Tracing.Exporter,
		)
	}

	// Circuit breaker sanity checks. A zero threshold disables a scope.
	for name, cb := range map[string]circuit.Config{
		"CB_PROVIDER":    c.Circuit.Provider,
		"CB_VENDOR_TYPE": c.Circuit.VendorType,
		"CB_ENDPOINT":    c.Circuit.Endpoint,
	} {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("config: %s_FAILURE_THRESHOLD must be ≥ 0, got %d", name, cb.FailureThreshold)
		}
		if !cb.Disabled() && cb.OpenDuration <= 0 {
			return fmt.Errorf("config: %s_OPEN_DURATION must be a positive duration", name)
		}
	}

	if c.Catalog.RefreshInterval <= 0 {
		return fmt.Errorf("config: CATALOG_REFRESH_INTERVAL must be a positive duration")
	}
	if c.Probe.Interval <= 0 || c.Probe.Timeout <= 0 {
		return fmt.Errorf("config: PROBE_INTERVAL and PROBE_TIMEOUT must be positive durations")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be a positive duration")
	}
	if c.AuditSize < 0 {
		return fmt.Errorf("config: AUDIT_SIZE must be ≥ 0, got %d", c.AuditSize)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("config: TRACING_SAMPLE_RATE must be within [0, 1], got %v", c.Tracing.SampleRate)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
