// Package providers defines the vendor-level configuration the relay routes
// over: providers, their physical endpoints, and the probe results that feed
// endpoint ordering.
//
// Each vendor SDK lives in its own sub-package and implements Checker, which
// the endpoint prober uses to measure reachability and latency.
package providers

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
)

// Type is the upstream wire-format family of a provider.
type Type string

const (
	TypeClaude           Type = "claude"
	TypeCodex            Type = "codex"
	TypeOpenAICompatible Type = "openai-compatible"
	TypeGemini           Type = "gemini"
)

// Format is the shape of an inbound request.
type Format string

const (
	FormatMessages  Format = "messages"
	FormatChat      Format = "chat"
	FormatResponses Format = "responses"
	FormatGemini    Format = "gemini"
)

// Serves reports whether a provider of type t natively speaks format f.
func (t Type) Serves(f Format) bool {
	switch t {
	case TypeClaude:
		return f == FormatMessages
	case TypeCodex:
		return f == FormatResponses
	case TypeOpenAICompatible:
		return f == FormatChat
	case TypeGemini:
		return f == FormatGemini
	}
	return false
}

// Valid reports whether t is a known provider type.
func (t Type) Valid() bool {
	switch t {
	case TypeClaude, TypeCodex, TypeOpenAICompatible, TypeGemini:
		return true
	}
	return false
}

type (
	// Limits are the spend and concurrency ceilings of a provider or key.
	// Zero disables a ceiling.
	Limits struct {
		RPM                   int     `json:"rpm,omitempty" mapstructure:"rpm"`
		FiveHourUSD           float64 `json:"five_hour_usd,omitempty" mapstructure:"five_hour_usd"`
		DailyUSD              float64 `json:"daily_usd,omitempty" mapstructure:"daily_usd"`
		DailyResetMode        string  `json:"daily_reset_mode,omitempty" mapstructure:"daily_reset_mode"` // "fixed" | "rolling"
		DailyResetTime        string  `json:"daily_reset_time,omitempty" mapstructure:"daily_reset_time"` // "HH:MM", fixed mode only
		WeeklyUSD             float64 `json:"weekly_usd,omitempty" mapstructure:"weekly_usd"`
		MonthlyUSD            float64 `json:"monthly_usd,omitempty" mapstructure:"monthly_usd"`
		TotalUSD              float64 `json:"total_usd,omitempty" mapstructure:"total_usd"`
		MaxConcurrentSessions int     `json:"max_concurrent_sessions,omitempty" mapstructure:"max_concurrent_sessions"`
	}

	// Timeouts are the per-phase upstream timeouts. Zero disables a phase.
	Timeouts struct {
		// FirstByte bounds the wait for response headers of a streaming call.
		FirstByte time.Duration
		// StreamingIdle bounds the gap between two body reads while streaming.
		StreamingIdle time.Duration
		// NonStreamingTotal bounds the whole non-streaming call.
		NonStreamingTotal time.Duration
	}

	// Provider is the vendor-level configuration of one upstream account.
	// Read-only to the engine; mutated only by the configuration store.
	Provider struct {
		ID             int64
		Name           string
		BaseURL        string
		APIKey         string
		VendorID       int64 // 0 = no endpoint pool
		Type           Type
		Enabled        bool
		Priority       int
		Weight         float64
		CostMultiplier float64
		Limits         Limits
		Circuit        circuit.Config
		// MaxRetryAttempts is the upstream call budget of one engagement.
		MaxRetryAttempts int
		Timeouts         Timeouts
		ModelRedirects   map[string]string
		AllowedModels    []string
	}

	// ProbeResult is the outcome of one endpoint health probe.
	ProbeResult struct {
		OK         bool
		LatencyMs  int64
		StatusCode int
		CheckedAt  time.Time
		Error      string
	}

	// Endpoint is one physical reachable instance of a vendor.
	Endpoint struct {
		ID       int64
		VendorID int64
		URL      string
		Enabled  bool
		// Probe is the last health-probe outcome; nil when never probed.
		Probe *ProbeResult
	}
)

// AllowsModel reports whether model passes the provider allow-list.
// An empty list allows every model.
func (p *Provider) AllowsModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	return slices.Contains(p.AllowedModels, model)
}

// RedirectModel returns the upstream model name for model, or model itself
// when no redirect is configured.
func (p *Provider) RedirectModel(model string) string {
	if to, ok := p.ModelRedirects[model]; ok && strings.TrimSpace(to) != "" {
		return to
	}
	return model
}

// Checker probes one base URL with the vendor's own SDK.
type Checker interface {
	// Check performs a lightweight authenticated call (model listing) and
	// returns the HTTP status observed, 0 when no response was received.
	Check(ctx context.Context, baseURL, apiKey string) (status int, err error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf returns the upstream status carried by err, or 0 when it has none
// (transport failures, timeouts).
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Default engine constants.
const (
	DefaultMaxRetryAttempts = 2
	DefaultWeight           = 1
	ProbeTimeout            = 5 * time.Second
)
