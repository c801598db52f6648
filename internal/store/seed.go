package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// SeedConfig is the "seed:" section of config.yaml. Everything in it is
// upserted at startup so a fresh deployment is routable without an admin UI.
type SeedConfig struct {
	Providers      []SeedProvider    `mapstructure:"providers"`
	Endpoints      []SeedEndpoint    `mapstructure:"endpoints"`
	Keys           []KeyRecord       `mapstructure:"keys"`
	Prices         []SeedPrice       `mapstructure:"prices"`
	Settings       map[string]string `mapstructure:"settings"`
	Filters        []Filter          `mapstructure:"filters"`
	ErrorRules     []ErrorRule       `mapstructure:"error_rules"`
	SensitiveWords []string          `mapstructure:"sensitive_words"`
}

// SeedProvider mirrors providers.Provider with config-file friendly types.
type SeedProvider struct {
	ID               int64             `mapstructure:"id"`
	Name             string            `mapstructure:"name"`
	BaseURL          string            `mapstructure:"base_url"`
	APIKey           string            `mapstructure:"api_key"`
	VendorID         int64             `mapstructure:"vendor_id"`
	Type             string            `mapstructure:"type"`
	Enabled          *bool             `mapstructure:"enabled"`
	Priority         int               `mapstructure:"priority"`
	Weight           float64           `mapstructure:"weight"`
	CostMultiplier   float64           `mapstructure:"cost_multiplier"`
	MaxRetryAttempts int               `mapstructure:"max_retry_attempts"`
	Limits           providers.Limits  `mapstructure:"limits"`
	ModelRedirects   map[string]string `mapstructure:"model_redirects"`
	AllowedModels    []string          `mapstructure:"allowed_models"`

	Circuit struct {
		FailureThreshold  *int          `mapstructure:"failure_threshold"`
		OpenDuration      time.Duration `mapstructure:"open_duration"`
		HalfOpenSuccesses int           `mapstructure:"half_open_successes"`
		Window            time.Duration `mapstructure:"window"`
	} `mapstructure:"circuit"`

	Timeouts struct {
		FirstByte         time.Duration `mapstructure:"first_byte"`
		StreamingIdle     time.Duration `mapstructure:"streaming_idle"`
		NonStreamingTotal time.Duration `mapstructure:"non_streaming_total"`
	} `mapstructure:"timeouts"`
}

// SeedEndpoint is one endpoint of a vendor.
type SeedEndpoint struct {
	ID       int64  `mapstructure:"id"`
	VendorID int64  `mapstructure:"vendor_id"`
	URL      string `mapstructure:"url"`
	Enabled  *bool  `mapstructure:"enabled"`
}

// SeedPrice uses strings so prices keep their exact decimal form.
type SeedPrice struct {
	Model               string `mapstructure:"model"`
	InputPerMTok        string `mapstructure:"input_per_mtok"`
	OutputPerMTok       string `mapstructure:"output_per_mtok"`
	CacheWrite5mPerMTok string `mapstructure:"cache_write_5m_per_mtok"`
	CacheWrite1hPerMTok string `mapstructure:"cache_write_1h_per_mtok"`
	CacheReadPerMTok    string `mapstructure:"cache_read_per_mtok"`
	PerRequest          string `mapstructure:"per_request"`
	PerImage            string `mapstructure:"per_image"`
}

// Provider converts a seed entry, applying defaults.
func (sp SeedProvider) Provider() (providers.Provider, error) {
	typ := providers.Type(sp.Type)
	if !typ.Valid() {
		return providers.Provider{}, fmt.Errorf("seed: provider %d: unknown type %q", sp.ID, sp.Type)
	}
	if sp.BaseURL == "" {
		return providers.Provider{}, fmt.Errorf("seed: provider %d: base_url is required", sp.ID)
	}

	p := providers.Provider{
		ID:               sp.ID,
		Name:             sp.Name,
		BaseURL:          sp.BaseURL,
		APIKey:           sp.APIKey,
		VendorID:         sp.VendorID,
		Type:             typ,
		Enabled:          sp.Enabled == nil || *sp.Enabled,
		Priority:         sp.Priority,
		Weight:           sp.Weight,
		CostMultiplier:   sp.CostMultiplier,
		MaxRetryAttempts: sp.MaxRetryAttempts,
		Limits:           sp.Limits,
		ModelRedirects:   sp.ModelRedirects,
		AllowedModels:    sp.AllowedModels,
		Timeouts: providers.Timeouts{
			FirstByte:         sp.Timeouts.FirstByte,
			StreamingIdle:     sp.Timeouts.StreamingIdle,
			NonStreamingTotal: sp.Timeouts.NonStreamingTotal,
		},
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("%s-%d", typ, sp.ID)
	}
	if p.Weight <= 0 {
		p.Weight = providers.DefaultWeight
	}
	if p.CostMultiplier <= 0 {
		p.CostMultiplier = 1
	}

	cj := circuitJSON{
		FailureThreshold:  sp.Circuit.FailureThreshold,
		OpenDurationMs:    sp.Circuit.OpenDuration.Milliseconds(),
		HalfOpenSuccesses: sp.Circuit.HalfOpenSuccesses,
		WindowMs:          sp.Circuit.Window.Milliseconds(),
	}
	p.Circuit = decodeCircuit(cj)
	return p, nil
}

func (sp SeedPrice) record() (pricing.Record, error) {
	rec := pricing.Record{Model: sp.Model}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.InputPerMTok, sp.InputPerMTok}, {&rec.OutputPerMTok, sp.OutputPerMTok},
		{&rec.CacheWrite5mPerMTok, sp.CacheWrite5mPerMTok}, {&rec.CacheWrite1hPerMTok, sp.CacheWrite1hPerMTok},
		{&rec.CacheReadPerMTok, sp.CacheReadPerMTok}, {&rec.PerRequest, sp.PerRequest},
		{&rec.PerImage, sp.PerImage},
	} {
		if f.src == "" {
			continue
		}
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return rec, fmt.Errorf("seed: price %q: %w", sp.Model, err)
		}
		*f.dst = d
	}
	return rec, nil
}

// Seed upserts every record of cfg. Seeded filters and error rules are
// always enabled.
func Seed(ctx context.Context, s *SQLite, cfg SeedConfig) error {
	for _, sp := range cfg.Providers {
		p, err := sp.Provider()
		if err != nil {
			return err
		}
		if err := s.UpsertProvider(ctx, p); err != nil {
			return err
		}
	}
	for _, se := range cfg.Endpoints {
		e := providers.Endpoint{ID: se.ID, VendorID: se.VendorID, URL: se.URL, Enabled: se.Enabled == nil || *se.Enabled}
		if err := s.UpsertEndpoint(ctx, e); err != nil {
			return err
		}
	}
	for _, k := range cfg.Keys {
		if k.Key == "" {
			return fmt.Errorf("seed: key %d: key is required", k.ID)
		}
		if err := s.UpsertKey(ctx, k); err != nil {
			return err
		}
	}
	for _, sp := range cfg.Prices {
		rec, err := sp.record()
		if err != nil {
			return err
		}
		if err := s.UpsertPrice(ctx, rec); err != nil {
			return err
		}
	}
	for k, v := range cfg.Settings {
		if err := s.SetSetting(ctx, k, v); err != nil {
			return err
		}
	}
	for _, f := range cfg.Filters {
		if f.Scope == "" {
			f.Scope = ScopeGlobal
		}
		f.Enabled = true
		if err := s.UpsertFilter(ctx, f); err != nil {
			return err
		}
	}
	for _, r := range cfg.ErrorRules {
		if r.MatchType == "" {
			r.MatchType = MatchContains
		}
		r.Enabled = true
		if err := s.UpsertErrorRule(ctx, r); err != nil {
			return err
		}
	}
	for _, w := range cfg.SensitiveWords {
		if err := s.AddSensitiveWord(ctx, w); err != nil {
			return err
		}
	}
	return nil
}
