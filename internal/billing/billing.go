// Package billing resolves which model's price meters a request and caches
// price records across requests.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/settings"
)

// Resolution is the resolved price of a request.
type Resolution = session.Billing

// PriceSource looks up the price of a model. A missing price is (nil, nil).
type PriceSource interface {
	Price(ctx context.Context, model string) (*pricing.Record, error)
}

// ModelSource tells whether the original or the redirected model is billed.
type ModelSource interface {
	BillingModelSource(ctx context.Context) string
}

// Resolver resolves and caches the billing of each session.
type Resolver struct {
	prices   PriceSource
	settings ModelSource
	group    singleflight.Group
	log      *slog.Logger
}

// NewResolver creates a Resolver. A nil settings source bills the
// redirected model.
func NewResolver(prices PriceSource, st ModelSource, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{prices: prices, settings: st, log: log}
}

// Resolve returns the billing of s, computing it at most once per session.
// Concurrent calls for the same session share one lookup; sessions never
// share a flight, even when their request ids collide.
func (r *Resolver) Resolve(ctx context.Context, s *session.Session) (Resolution, error) {
	if b, ok := s.Billing(); ok {
		return *b, nil
	}

	v, err, _ := r.group.Do(s.ID, func() (any, error) {
		if b, ok := s.Billing(); ok {
			return b, nil
		}
		b, err := r.resolve(ctx, s)
		if err != nil {
			return nil, err
		}
		s.SetBilling(b)
		return b, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return *v.(*session.Billing), nil
}

func (r *Resolver) resolve(ctx context.Context, s *session.Session) (*session.Billing, error) {
	source := settings.SourceRedirected
	if r.settings != nil {
		source = r.settings.BillingModelSource(ctx)
	}

	original := strings.TrimSpace(s.OriginalModel)
	redirected := strings.TrimSpace(s.RedirectedModel)

	// Without a distinct redirect both sources name the same model.
	if redirected == "" || redirected == original {
		rec, err := r.lookup(ctx, original)
		if err != nil {
			return nil, err
		}
		return &session.Billing{Price: rec, Source: source, Model: original}, nil
	}

	preferred, fallback := redirected, original
	if source == settings.SourceOriginal {
		preferred, fallback = original, redirected
	}

	rec, perr := r.lookup(ctx, preferred)
	if !rec.Empty() {
		return &session.Billing{Price: rec, Source: source, Model: preferred}, nil
	}

	alt, ferr := r.lookup(ctx, fallback)
	if !alt.Empty() {
		r.log.Debug("billing_price_fallback",
			slog.String("request_id", s.RequestID),
			slog.String("preferred", preferred),
			slog.String("used", fallback),
		)
		return &session.Billing{Price: alt, Source: source, Model: fallback}, nil
	}

	if err := errors.Join(perr, ferr); err != nil {
		return nil, err
	}
	// Neither model is priced: bill zero under the preferred name.
	return &session.Billing{Price: rec, Source: source, Model: preferred}, nil
}

func (r *Resolver) lookup(ctx context.Context, model string) (*pricing.Record, error) {
	if model == "" {
		return nil, nil
	}
	rec, err := r.prices.Price(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("billing: price %q: %w", model, err)
	}
	return rec, nil
}
