// Package forward runs the retry loop of one engagement: the provider chosen
// by the guard is called through its ordered endpoints until an attempt
// succeeds, the failure is final, or the attempt budget runs out.
//
// The engine never switches provider. System failures advance to the next
// endpoint; provider failures retry the same endpoint.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/tracing"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/wire"
)

// ErrNoProvider is returned when the session has no assigned provider.
var ErrNoProvider = errors.New("forward: session has no provider")

// Error is the final failure of an engagement.
type Error struct {
	Category   failure.Category
	StatusCode int // last upstream status, 0 when none
	Attempts   int
	Header     http.Header
	Body       []byte // last upstream error body, if any
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("forward: %s after %d attempt(s): %v", e.Category, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements providers.StatusCoder with the last upstream status.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Timeout reports whether the last attempt failed on a phase timeout.
func (e *Error) Timeout() bool { return failure.IsTimeout(e.Err) }

// Selector orders the endpoints of a provider.
type Selector interface {
	Targets(p *providers.Provider) []session.Target
}

// Recorder receives per-attempt and per-engagement metrics.
type Recorder interface {
	ObserveUpstreamAttempt(provider, format, outcome string, dur time.Duration)
	ObserveChain(format, reason string, attempts int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveUpstreamAttempt(string, string, string, time.Duration) {}
func (nopRecorder) ObserveChain(string, string, int)                             {}

// Engine forwards sessions upstream.
type Engine struct {
	doer      upstream.Doer
	endpoints Selector
	breakers  circuit.Set
	rules     func() *failure.Rules
	delay     Delay
	sleep     func(ctx context.Context, d time.Duration) error
	metrics   Recorder
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules sets the source of the non-retryable error rules.
func WithRules(fn func() *failure.Rules) Option { return func(e *Engine) { e.rules = fn } }

// WithDelay overrides the inter-attempt delay policy.
func WithDelay(d Delay) Option { return func(e *Engine) { e.delay = d } }

// WithSleeper overrides how the engine waits between attempts (tests).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Engine. Nil breakers in the set are skipped.
func New(doer upstream.Doer, endpoints Selector, breakers circuit.Set, opts ...Option) *Engine {
	e := &Engine{
		doer:      doer,
		endpoints: endpoints,
		breakers:  breakers,
		rules:     func() *failure.Rules { return nil },
		delay:     DefaultDelay,
		sleep:     sleepCtx,
		metrics:   nopRecorder{},
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Forward runs the engagement of s against s.Provider. On success the
// response is returned and, for streams, must be closed by the caller. Every
// attempt is appended to s.Chain.
//
// The provider breaker permit taken by the chooser is consumed by the
// recorded outcome, or released when no outcome is recorded.
func (e *Engine) Forward(ctx context.Context, s *session.Session) (*upstream.Response, error) {
	p := s.Provider
	if p == nil {
		return nil, ErrNoProvider
	}

	var targets []session.Target
	if wire.IsPassThrough(s.Path) || e.endpoints == nil {
		targets = []session.Target{{URL: p.BaseURL}}
	} else {
		targets = e.endpoints.Targets(p)
	}
	if len(targets) == 0 {
		targets = []session.Target{{URL: p.BaseURL}}
	}
	s.Endpoints = targets

	maxAttempts := p.MaxRetryAttempts
	if maxAttempts < 1 {
		maxAttempts = providers.DefaultMaxRetryAttempts
	}

	provKey := circuit.ProviderKey(p.ID)
	vtKey := circuit.VendorTypeKey(p.VendorID, string(p.Type))
	format := string(s.Format)

	timedOut := make(map[int]bool, len(targets))
	vendorSignalled := false
	cursor := 0

	for attempt := 1; ; attempt++ {
		t := targets[cursor]
		start := time.Now()
		resp, err := e.attempt(ctx, s, t, attempt)
		dur := time.Since(start)

		sig := failure.Signal{Err: err, Rules: e.rules()}
		if resp != nil && resp.StatusCode >= 400 {
			sig.StatusCode = resp.StatusCode
			sig.Body = resp.Body
			err = resp.Err()
		}
		cat := failure.Classify(sig)

		entry := session.Entry{
			ProviderID:   p.ID,
			ProviderName: p.Name,
			EndpointID:   t.EndpointID,
			EndpointURL:  t.URL,
			Reason:       session.ReasonFor(cat, attempt),
			Decision:     s.Decision,
		}
		if resp != nil {
			entry.StatusCode = resp.StatusCode
		}
		if err != nil {
			entry.Error = err.Error()
		}

		if cat == failure.None {
			e.recordSuccess(provKey, vtKey, t)
			entry.Circuit = e.snapshot(provKey)
			s.Chain.Append(entry)
			e.metrics.ObserveUpstreamAttempt(p.Name, format, string(entry.Reason), dur)
			e.metrics.ObserveChain(format, string(entry.Reason), attempt)
			e.log.Debug("upstream_attempt_succeeded",
				slog.String("request_id", s.RequestID),
				slog.String("provider", p.Name),
				slog.String("endpoint", t.URL),
				slog.Int("attempt", attempt),
				slog.Int("status", resp.StatusCode),
				slog.Duration("elapsed", dur),
			)
			return resp, nil
		}

		if cat != failure.ClientNonRetryable && cat != failure.ClientAbort {
			e.recordFailure(provKey, t)
		}
		entry.Circuit = e.snapshot(provKey)
		s.Chain.Append(entry)
		e.metrics.ObserveUpstreamAttempt(p.Name, format, string(entry.Reason), dur)
		e.log.Warn("upstream_attempt_failed",
			slog.String("request_id", s.RequestID),
			slog.String("provider", p.Name),
			slog.String("endpoint", t.URL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("category", cat.String()),
			slog.Int("status", entry.StatusCode),
			slog.String("error", entry.Error),
		)

		final := &Error{Category: cat, StatusCode: entry.StatusCode, Attempts: attempt, Err: err}
		if resp != nil {
			final.Header = resp.Header
			final.Body = resp.Body
		}

		if cat == failure.ClientAbort || cat == failure.ClientNonRetryable {
			e.release(provKey)
			e.metrics.ObserveChain(format, string(entry.Reason), attempt)
			return nil, final
		}

		e.signalVendor(vtKey, len(targets), timedOut, cursor, err, &vendorSignalled)
		if attempt >= maxAttempts {
			e.metrics.ObserveChain(format, string(entry.Reason), attempt)
			return nil, final
		}

		if cat == failure.System && cursor < len(targets)-1 {
			cursor++
		}

		// Nobody is left to answer: drop the remaining budget.
		if s.ClientGone() {
			s.Cancel(failure.ErrClientAbort)
			e.metrics.ObserveChain(format, string(session.ReasonClientAbort), attempt)
			e.log.Info("client_gone_retries_dropped",
				slog.String("request_id", s.RequestID),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
			)
			return nil, &Error{Category: failure.ClientAbort, StatusCode: entry.StatusCode, Attempts: attempt, Err: failure.ErrClientAbort}
		}

		if serr := e.sleep(ctx, e.delay.For(attempt)); serr != nil {
			e.metrics.ObserveChain(format, string(session.ReasonClientAbort), attempt)
			return nil, &Error{Category: failure.ClientAbort, Attempts: attempt, Err: serr}
		}
	}
}

// attempt performs one upstream call inside its own span.
func (e *Engine) attempt(ctx context.Context, s *session.Session, t session.Target, n int) (*upstream.Response, error) {
	p := s.Provider
	ctx, span := tracing.Start(ctx, "upstream.forward",
		attribute.String("relay.request_id", s.RequestID),
		attribute.Int64("relay.provider_id", p.ID),
		attribute.String("relay.provider", p.Name),
		attribute.String("relay.endpoint", t.URL),
		attribute.Int("relay.attempt", n),
	)
	defer span.End()

	resp, err := e.doer.Do(ctx, e.request(s, t))
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		tracing.Fail(span, resp.Err())
	}
	return resp, nil
}

// request builds the upstream call of s against t.
func (e *Engine) request(s *session.Session, t session.Target) *upstream.Request {
	p := s.Provider
	path := s.Path
	if s.Format == providers.FormatGemini && s.GeminiAction != "" {
		path = wire.GeminiPath(s.Model(), s.GeminiAction)
	}

	h := upstream.CleanHeaders(s.Headers)
	upstream.SetAuth(h, p.Type, p.APIKey)

	return &upstream.Request{
		Method:   s.Method,
		URL:      upstream.JoinURL(t.URL, path, upstream.StripQueryKey(s.RawQuery)),
		Header:   h,
		Body:     s.Body,
		Stream:   s.Request.Stream,
		Timeouts: p.Timeouts,
	}
}

// ── Breakers ────────────────────────────────────────────────────────────────

func (e *Engine) recordSuccess(provKey, vtKey string, t session.Target) {
	if b := e.breakers.Providers; b != nil {
		b.RecordSuccess(provKey)
	}
	if b := e.breakers.Endpoints; b != nil && t.EndpointID != nil {
		b.RecordSuccess(circuit.EndpointKey(*t.EndpointID))
	}
	if b := e.breakers.VendorTypes; b != nil {
		b.RecordSuccess(vtKey)
	}
}

func (e *Engine) recordFailure(provKey string, t session.Target) {
	if b := e.breakers.Providers; b != nil {
		b.RecordFailure(provKey)
	}
	if b := e.breakers.Endpoints; b != nil && t.EndpointID != nil {
		b.RecordFailure(circuit.EndpointKey(*t.EndpointID))
	}
}

func (e *Engine) release(provKey string) {
	if b := e.breakers.Providers; b != nil {
		b.Release(provKey)
	}
}

func (e *Engine) snapshot(provKey string) circuit.Snapshot {
	if b := e.breakers.Providers; b != nil {
		return b.Snapshot(provKey)
	}
	return circuit.Snapshot{}
}

// signalVendor records one vendor-type failure once every target of the
// engagement has timed out at least once.
func (e *Engine) signalVendor(vtKey string, n int, timedOut map[int]bool, cursor int, err error, done *bool) {
	if *done || !failure.IsTimeout(err) {
		return
	}
	timedOut[cursor] = true
	if len(timedOut) < n {
		return
	}
	*done = true
	if b := e.breakers.VendorTypes; b != nil {
		b.RecordFailure(vtKey)
	}
	e.log.Warn("vendor_type_all_endpoints_timed_out", slog.String("vendor_type", vtKey))
}

// ── Delay ───────────────────────────────────────────────────────────────────

// Delay is the bounded linear back-off between attempts:
// min(Base + Step·(attempt−1), Max).
type Delay struct {
	Base time.Duration
	Step time.Duration
	Max  time.Duration
}

// DefaultDelay is 100ms growing by 50ms per attempt, capped at 500ms.
var DefaultDelay = Delay{Base: 100 * time.Millisecond, Step: 50 * time.Millisecond, Max: 500 * time.Millisecond}

// For returns the wait after attempt (1-based). It is never zero and never
// above Max; a zero policy behaves as DefaultDelay.
func (d Delay) For(attempt int) time.Duration {
	if d.Base <= 0 {
		d.Base = DefaultDelay.Base
	}
	if d.Max <= 0 || d.Max < d.Base {
		d.Max = max(DefaultDelay.Max, d.Base)
	}
	if d.Step < 0 {
		d.Step = 0
	}
	if attempt < 1 {
		attempt = 1
	}
	return min(d.Base+d.Step*time.Duration(attempt-1), d.Max)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
