// Package pricing holds per-model price records and the cost formula used to
// meter a forwarded request.
package pricing

import (
	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// Record is the price of one model. Token prices are USD per million tokens.
type Record struct {
	Model string `json:"model"`

	InputPerMTok  decimal.Decimal `json:"input_per_mtok"`
	OutputPerMTok decimal.Decimal `json:"output_per_mtok"`

	// Prompt-cache pricing. The 5m and 1h tiers are Anthropic cache TTLs.
	CacheWrite5mPerMTok decimal.Decimal `json:"cache_write_5m_per_mtok"`
	CacheWrite1hPerMTok decimal.Decimal `json:"cache_write_1h_per_mtok"`
	CacheReadPerMTok    decimal.Decimal `json:"cache_read_per_mtok"`

	PerRequest decimal.Decimal `json:"per_request"`
	PerImage   decimal.Decimal `json:"per_image"`
}

// Empty reports whether r carries no usable price: nil, or every amount zero.
func (r *Record) Empty() bool {
	if r == nil {
		return true
	}
	for _, d := range []decimal.Decimal{
		r.InputPerMTok, r.OutputPerMTok,
		r.CacheWrite5mPerMTok, r.CacheWrite1hPerMTok, r.CacheReadPerMTok,
		r.PerRequest, r.PerImage,
	} {
		if !d.IsZero() {
			return false
		}
	}
	return true
}

// Usage is the token accounting of one upstream response.
type Usage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	CacheWrite5mTokens int64 `json:"cache_write_5m_tokens,omitempty"`
	CacheWrite1hTokens int64 `json:"cache_write_1h_tokens,omitempty"`
	CacheReadTokens    int64 `json:"cache_read_tokens,omitempty"`
	Images             int64 `json:"images,omitempty"`
}

// IsZero reports whether no usage was observed.
func (u Usage) IsZero() bool { return u == Usage{} }

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:        u.InputTokens + o.InputTokens,
		OutputTokens:       u.OutputTokens + o.OutputTokens,
		CacheWrite5mTokens: u.CacheWrite5mTokens + o.CacheWrite5mTokens,
		CacheWrite1hTokens: u.CacheWrite1hTokens + o.CacheWrite1hTokens,
		CacheReadTokens:    u.CacheReadTokens + o.CacheReadTokens,
		Images:             u.Images + o.Images,
	}
}

// Cost computes the USD cost of usage under rec, scaled by multiplier.
// A nil or empty record costs zero. A multiplier ≤ 0 is treated as 1.
func Cost(rec *Record, u Usage, multiplier float64) decimal.Decimal {
	if rec.Empty() {
		return decimal.Zero
	}

	perTok := func(n int64, price decimal.Decimal) decimal.Decimal {
		if n == 0 || price.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(n).Mul(price).Div(million)
	}

	total := rec.PerRequest.
		Add(perTok(u.InputTokens, rec.InputPerMTok)).
		Add(perTok(u.OutputTokens, rec.OutputPerMTok)).
		Add(perTok(u.CacheWrite5mTokens, rec.CacheWrite5mPerMTok)).
		Add(perTok(u.CacheWrite1hTokens, rec.CacheWrite1hPerMTok)).
		Add(perTok(u.CacheReadTokens, rec.CacheReadPerMTok)).
		Add(decimal.NewFromInt(u.Images).Mul(rec.PerImage))

	if multiplier > 0 && multiplier != 1 {
		total = total.Mul(decimal.NewFromFloat(multiplier))
	}
	return total
}
