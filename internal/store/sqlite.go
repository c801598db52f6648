package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// SQLite is the store on modernc.org/sqlite (pure Go, no CGO).
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database at dsn and applies pragmas.
func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Ping checks connectivity (readiness).
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates every table. Idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			vendor_id INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			weight REAL NOT NULL DEFAULT 1,
			cost_multiplier REAL NOT NULL DEFAULT 1,
			max_retry_attempts INTEGER NOT NULL DEFAULT 0,
			limits TEXT NOT NULL DEFAULT '{}',
			circuit TEXT NOT NULL DEFAULT '{}',
			timeouts TEXT NOT NULL DEFAULT '{}',
			model_redirects TEXT NOT NULL DEFAULT '{}',
			allowed_models TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id INTEGER PRIMARY KEY,
			vendor_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			probe_ok INTEGER,
			probe_latency_ms INTEGER,
			probe_status INTEGER,
			probe_error TEXT,
			probed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_vendor ON endpoints(vendor_id)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			expires_at TEXT,
			allowed_clients TEXT NOT NULL DEFAULT '[]',
			allowed_models TEXT NOT NULL DEFAULT '[]',
			limits TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS prices (
			model TEXT PRIMARY KEY,
			input_per_mtok TEXT NOT NULL DEFAULT '0',
			output_per_mtok TEXT NOT NULL DEFAULT '0',
			cache_write_5m_per_mtok TEXT NOT NULL DEFAULT '0',
			cache_write_1h_per_mtok TEXT NOT NULL DEFAULT '0',
			cache_read_per_mtok TEXT NOT NULL DEFAULT '0',
			per_request TEXT NOT NULL DEFAULT '0',
			per_image TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE IF NOT EXISTS system_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_filters (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT 'global',
			provider_id INTEGER NOT NULL DEFAULT 0,
			target TEXT NOT NULL,
			action TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS error_rules (
			id INTEGER PRIMARY KEY,
			pattern TEXT NOT NULL,
			match_type TEXT NOT NULL DEFAULT 'contains',
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS sensitive_words (
			word TEXT PRIMARY KEY
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── JSON columns ────────────────────────────────────────────────────────────

type circuitJSON struct {
	FailureThreshold  *int  `json:"failure_threshold,omitempty"`
	OpenDurationMs    int64 `json:"open_duration_ms,omitempty"`
	HalfOpenSuccesses int   `json:"half_open_successes,omitempty"`
	WindowMs          int64 `json:"window_ms,omitempty"`
}

type timeoutsJSON struct {
	FirstByteMs         int64 `json:"first_byte_ms,omitempty"`
	StreamingIdleMs     int64 `json:"streaming_idle_ms,omitempty"`
	NonStreamingTotalMs int64 `json:"non_streaming_total_ms,omitempty"`
}

func encodeCircuit(c circuit.Config) circuitJSON {
	th := c.FailureThreshold
	return circuitJSON{
		FailureThreshold:  &th,
		OpenDurationMs:    c.OpenDuration.Milliseconds(),
		HalfOpenSuccesses: c.HalfOpenSuccesses,
		WindowMs:          c.Window.Milliseconds(),
	}
}

// decodeCircuit applies breaker defaults to fields the record leaves unset.
// An explicit failure_threshold of 0 disables the breaker.
func decodeCircuit(c circuitJSON) circuit.Config {
	out := circuit.Config{
		FailureThreshold:  circuit.DefaultFailureThreshold,
		OpenDuration:      circuit.DefaultOpenDuration,
		HalfOpenSuccesses: circuit.DefaultHalfOpenSuccesses,
		Window:            time.Duration(c.WindowMs) * time.Millisecond,
	}
	if c.FailureThreshold != nil {
		out.FailureThreshold = *c.FailureThreshold
	}
	if c.OpenDurationMs > 0 {
		out.OpenDuration = time.Duration(c.OpenDurationMs) * time.Millisecond
	}
	if c.HalfOpenSuccesses > 0 {
		out.HalfOpenSuccesses = c.HalfOpenSuccesses
	}
	return out
}

func encodeTimeouts(t providers.Timeouts) timeoutsJSON {
	return timeoutsJSON{
		FirstByteMs:         t.FirstByte.Milliseconds(),
		StreamingIdleMs:     t.StreamingIdle.Milliseconds(),
		NonStreamingTotalMs: t.NonStreamingTotal.Milliseconds(),
	}
}

func decodeTimeouts(t timeoutsJSON) providers.Timeouts {
	return providers.Timeouts{
		FirstByte:         time.Duration(t.FirstByteMs) * time.Millisecond,
		StreamingIdle:     time.Duration(t.StreamingIdleMs) * time.Millisecond,
		NonStreamingTotal: time.Duration(t.NonStreamingTotalMs) * time.Millisecond,
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func fromJSON(s string, v any, what string) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("store: decode %s: %w", what, err)
	}
	return nil
}

// ── Providers ───────────────────────────────────────────────────────────────

// Providers returns every provider record.
func (s *SQLite) Providers(ctx context.Context) ([]providers.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, api_key, vendor_id, type, enabled, priority, weight,
		        cost_multiplier, max_retry_attempts, limits, circuit, timeouts,
		        model_redirects, allowed_models
		   FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []providers.Provider
	for rows.Next() {
		var (
			p                                    providers.Provider
			typ                                  string
			limits, cb, timeouts, redir, allowed string
			cj                                   circuitJSON
			tj                                   timeoutsJSON
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.VendorID, &typ, &p.Enabled,
			&p.Priority, &p.Weight, &p.CostMultiplier, &p.MaxRetryAttempts,
			&limits, &cb, &timeouts, &redir, &allowed); err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		p.Type = providers.Type(typ)
		if err := errors.Join(
			fromJSON(limits, &p.Limits, "limits"),
			fromJSON(cb, &cj, "circuit"),
			fromJSON(timeouts, &tj, "timeouts"),
			fromJSON(redir, &p.ModelRedirects, "model_redirects"),
			fromJSON(allowed, &p.AllowedModels, "allowed_models"),
		); err != nil {
			return nil, fmt.Errorf("provider %d: %w", p.ID, err)
		}
		p.Circuit = decodeCircuit(cj)
		p.Timeouts = decodeTimeouts(tj)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProvider inserts or replaces p.
func (s *SQLite) UpsertProvider(ctx context.Context, p providers.Provider) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, base_url, api_key, vendor_id, type, enabled, priority,
		        weight, cost_multiplier, max_retry_attempts, limits, circuit, timeouts,
		        model_redirects, allowed_models)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, base_url=excluded.base_url, api_key=excluded.api_key,
		   vendor_id=excluded.vendor_id, type=excluded.type, enabled=excluded.enabled,
		   priority=excluded.priority, weight=excluded.weight,
		   cost_multiplier=excluded.cost_multiplier,
		   max_retry_attempts=excluded.max_retry_attempts, limits=excluded.limits,
		   circuit=excluded.circuit, timeouts=excluded.timeouts,
		   model_redirects=excluded.model_redirects, allowed_models=excluded.allowed_models`,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.VendorID, string(p.Type), p.Enabled, p.Priority,
		p.Weight, p.CostMultiplier, p.MaxRetryAttempts, mustJSON(p.Limits),
		mustJSON(encodeCircuit(p.Circuit)), mustJSON(encodeTimeouts(p.Timeouts)),
		mustJSON(p.ModelRedirects), mustJSON(p.AllowedModels))
	if err != nil {
		return fmt.Errorf("store: upsert provider %d: %w", p.ID, err)
	}
	return nil
}

// ── Endpoints ───────────────────────────────────────────────────────────────

// Endpoints returns every endpoint with its last persisted probe.
func (s *SQLite) Endpoints(ctx context.Context) ([]providers.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vendor_id, url, enabled, probe_ok, probe_latency_ms, probe_status,
		        probe_error, probed_at
		   FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []providers.Endpoint
	for rows.Next() {
		var (
			e        providers.Endpoint
			ok       sql.NullBool
			latency  sql.NullInt64
			status   sql.NullInt64
			probeErr sql.NullString
			probedAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.VendorID, &e.URL, &e.Enabled,
			&ok, &latency, &status, &probeErr, &probedAt); err != nil {
			return nil, fmt.Errorf("store: scan endpoint: %w", err)
		}
		if ok.Valid {
			e.Probe = &providers.ProbeResult{
				OK:         ok.Bool,
				LatencyMs:  latency.Int64,
				StatusCode: int(status.Int64),
				Error:      probeErr.String,
			}
			if t, err := time.Parse(time.RFC3339Nano, probedAt.String); err == nil {
				e.Probe.CheckedAt = t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEndpoint inserts or replaces e's static fields. Probe columns are
// left untouched.
func (s *SQLite) UpsertEndpoint(ctx context.Context, e providers.Endpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (id, vendor_id, url, enabled) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   vendor_id=excluded.vendor_id, url=excluded.url, enabled=excluded.enabled`,
		e.ID, e.VendorID, e.URL, e.Enabled)
	if err != nil {
		return fmt.Errorf("store: upsert endpoint %d: %w", e.ID, err)
	}
	return nil
}

// SaveProbe records the latest probe of endpoint id.
func (s *SQLite) SaveProbe(ctx context.Context, id int64, r providers.ProbeResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET probe_ok = ?, probe_latency_ms = ?, probe_status = ?,
		        probe_error = ?, probed_at = ?
		  WHERE id = ?`,
		r.OK, r.LatencyMs, r.StatusCode, r.Error, r.CheckedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: save probe %d: %w", id, err)
	}
	return nil
}

// ── API keys ────────────────────────────────────────────────────────────────

// KeyRecord is an API key as stored. Key is plaintext and only used by Seed.
type KeyRecord struct {
	ID             int64            `mapstructure:"id"`
	Key            string           `mapstructure:"key"`
	Name           string           `mapstructure:"name"`
	UserID         int64            `mapstructure:"user_id"`
	Disabled       bool             `mapstructure:"disabled"`
	ExpiresAt      time.Time        `mapstructure:"expires_at"`
	AllowedClients []string         `mapstructure:"allowed_clients"`
	AllowedModels  []string         `mapstructure:"allowed_models"`
	Limits         providers.Limits `mapstructure:"limits"`
}

// KeyByHash returns the key whose hash is hash, or ErrNotFound.
func (s *SQLite) KeyByHash(ctx context.Context, hash string) (*session.Auth, error) {
	var (
		a                       session.Auth
		expires                 sql.NullString
		clients, models, limits string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, enabled, expires_at, allowed_clients, allowed_models, limits
		   FROM api_keys WHERE key_hash = ?`, hash).
		Scan(&a.KeyID, &a.KeyName, &a.UserID, &a.Enabled, &expires, &clients, &models, &limits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: key lookup: %w", err)
	}
	if expires.Valid && expires.String != "" {
		if t, err := time.Parse(time.RFC3339, expires.String); err == nil {
			a.ExpiresAt = t
		}
	}
	if err := errors.Join(
		fromJSON(clients, &a.AllowedClients, "allowed_clients"),
		fromJSON(models, &a.AllowedModels, "allowed_models"),
		fromJSON(limits, &a.Limits, "limits"),
	); err != nil {
		return nil, fmt.Errorf("key %d: %w", a.KeyID, err)
	}
	return &a, nil
}

// UpsertKey stores k with its key hashed.
func (s *SQLite) UpsertKey(ctx context.Context, k KeyRecord) error {
	var expires any
	if !k.ExpiresAt.IsZero() {
		expires = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, name, user_id, enabled, expires_at,
		        allowed_clients, allowed_models, limits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   key_hash=excluded.key_hash, name=excluded.name, user_id=excluded.user_id,
		   enabled=excluded.enabled, expires_at=excluded.expires_at,
		   allowed_clients=excluded.allowed_clients, allowed_models=excluded.allowed_models,
		   limits=excluded.limits`,
		k.ID, HashKey(k.Key), k.Name, k.UserID, !k.Disabled, expires,
		mustJSON(nonNil(k.AllowedClients)), mustJSON(nonNil(k.AllowedModels)), mustJSON(k.Limits))
	if err != nil {
		return fmt.Errorf("store: upsert key %d: %w", k.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ── Prices ──────────────────────────────────────────────────────────────────

// Price returns the price of model, or (nil, nil) when none is configured.
func (s *SQLite) Price(ctx context.Context, model string) (*pricing.Record, error) {
	var in, out, w5, w1, rd, req, img string
	err := s.db.QueryRowContext(ctx,
		`SELECT input_per_mtok, output_per_mtok, cache_write_5m_per_mtok, cache_write_1h_per_mtok,
		        cache_read_per_mtok, per_request, per_image
		   FROM prices WHERE model = ?`, model).
		Scan(&in, &out, &w5, &w1, &rd, &req, &img)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: price %q: %w", model, err)
	}

	rec := &pricing.Record{Model: model}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.InputPerMTok, in}, {&rec.OutputPerMTok, out},
		{&rec.CacheWrite5mPerMTok, w5}, {&rec.CacheWrite1hPerMTok, w1},
		{&rec.CacheReadPerMTok, rd}, {&rec.PerRequest, req}, {&rec.PerImage, img},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("store: price %q: %w", model, err)
		}
		*f.dst = d
	}
	return rec, nil
}

// UpsertPrice inserts or replaces rec.
func (s *SQLite) UpsertPrice(ctx context.Context, rec pricing.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (model, input_per_mtok, output_per_mtok, cache_write_5m_per_mtok,
		        cache_write_1h_per_mtok, cache_read_per_mtok, per_request, per_image)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		   input_per_mtok=excluded.input_per_mtok, output_per_mtok=excluded.output_per_mtok,
		   cache_write_5m_per_mtok=excluded.cache_write_5m_per_mtok,
		   cache_write_1h_per_mtok=excluded.cache_write_1h_per_mtok,
		   cache_read_per_mtok=excluded.cache_read_per_mtok,
		   per_request=excluded.per_request, per_image=excluded.per_image`,
		rec.Model, rec.InputPerMTok.String(), rec.OutputPerMTok.String(),
		rec.CacheWrite5mPerMTok.String(), rec.CacheWrite1hPerMTok.String(),
		rec.CacheReadPerMTok.String(), rec.PerRequest.String(), rec.PerImage.String())
	if err != nil {
		return fmt.Errorf("store: upsert price %q: %w", rec.Model, err)
	}
	return nil
}

// ── Settings ────────────────────────────────────────────────────────────────

// Settings returns every system setting.
func (s *SQLite) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_settings`)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting writes one system setting.
func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// ── Filters, error rules, sensitive words ───────────────────────────────────

// Filters returns every request filter ordered by priority.
func (s *SQLite) Filters(ctx context.Context) ([]Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scope, provider_id, target, action, key, value, priority, enabled
		   FROM request_filters ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Filter
	for rows.Next() {
		var f Filter
		if err := rows.Scan(&f.ID, &f.Name, &f.Scope, &f.ProviderID, &f.Target, &f.Action,
			&f.Key, &f.Value, &f.Priority, &f.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan filter: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertFilter inserts or replaces f.
func (s *SQLite) UpsertFilter(ctx context.Context, f Filter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_filters (id, name, scope, provider_id, target, action, key, value,
		        priority, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, scope=excluded.scope, provider_id=excluded.provider_id,
		   target=excluded.target, action=excluded.action, key=excluded.key,
		   value=excluded.value, priority=excluded.priority, enabled=excluded.enabled`,
		f.ID, f.Name, f.Scope, f.ProviderID, f.Target, f.Action, f.Key, f.Value, f.Priority, f.Enabled)
	if err != nil {
		return fmt.Errorf("store: upsert filter %d: %w", f.ID, err)
	}
	return nil
}

// ErrorRules returns every error rule.
func (s *SQLite) ErrorRules(ctx context.Context) ([]ErrorRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, match_type, enabled FROM error_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list error rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ErrorRule
	for rows.Next() {
		var r ErrorRule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.MatchType, &r.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan error rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertErrorRule inserts or replaces r.
func (s *SQLite) UpsertErrorRule(ctx context.Context, r ErrorRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_rules (id, pattern, match_type, enabled) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   pattern=excluded.pattern, match_type=excluded.match_type, enabled=excluded.enabled`,
		r.ID, r.Pattern, r.MatchType, r.Enabled)
	if err != nil {
		return fmt.Errorf("store: upsert error rule %d: %w", r.ID, err)
	}
	return nil
}

// SensitiveWords returns the blocked word list.
func (s *SQLite) SensitiveWords(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT word FROM sensitive_words ORDER BY word`)
	if err != nil {
		return nil, fmt.Errorf("store: list sensitive words: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("store: scan sensitive word: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AddSensitiveWord adds w to the blocked list.
func (s *SQLite) AddSensitiveWord(ctx context.Context, w string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sensitive_words (word) VALUES (?) ON CONFLICT(word) DO NOTHING`, w); err != nil {
		return fmt.Errorf("store: add sensitive word: %w", err)
	}
	return nil
}
