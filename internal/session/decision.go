package session

import "math"

// DecisionContext records how the provider of a request was chosen.
type DecisionContext struct {
	TotalProviders   int         `json:"totalProviders"`
	EnabledProviders int         `json:"enabledProviders"`
	HealthyProviders int         `json:"healthyProviders"`
	SelectedPriority int         `json:"selectedPriority"`
	Priorities       []int       `json:"priorities"`
	Candidates       []Candidate `json:"candidates"`
	SessionReuse     bool        `json:"sessionReuse"`
	Excluded         []Exclusion `json:"excluded,omitempty"`
}

// Candidate is one provider of the selected tier.
type Candidate struct {
	ProviderID     int64   `json:"providerId"`
	Name           string  `json:"name"`
	Weight         float64 `json:"weight"`
	CostMultiplier float64 `json:"costMultiplier"`
	// Probability is the selection chance in percent, 0–100.
	Probability float64 `json:"probability"`
}

// Exclusion names a provider filtered out before selection.
type Exclusion struct {
	ProviderID int64  `json:"providerId"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
}

// Exclusion reasons.
const (
	ExcludeCircuitOpen      = "circuit_open"
	ExcludeVendorCircuit    = "vendor_type_circuit_open"
	ExcludeUnhealthy        = "health_check_failed"
	ExcludeSpendLimit       = "spend_limit_exceeded"
	ExcludeConcurrencyLimit = "concurrent_sessions_full"
	ExcludeAcquireFailed    = "circuit_probe_busy"
)

// ProbabilityPercent normalizes a stored probability for display. Values in
// [0,1] are fractions and are scaled to percent; anything above 1 is already
// percent and is clamped to 100. NaN reads as 0.
func ProbabilityPercent(v float64) float64 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v <= 1:
		return v * 100
	case v > 100:
		return 100
	}
	return v
}
