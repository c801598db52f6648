package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/selector"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/wire"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Step names.
const (
	StepAuth           = "auth"
	StepSensitive      = "sensitive"
	StepClient         = "client"
	StepModel          = "model"
	StepVersion        = "version"
	StepProbe          = "probe"
	StepSession        = "session"
	StepWarmup         = "warmup"
	StepRequestFilter  = "request_filter"
	StepRateLimit      = "rate_limit"
	StepProvider       = "provider"
	StepProviderFilter = "provider_filter"
	StepBilling        = "billing"
)

// ── Dependencies ────────────────────────────────────────────────────────────

// Settings are the system settings the guard reads.
type Settings interface {
	InterceptWarmup(ctx context.Context) bool
	MinClientVersions(ctx context.Context) map[string]string
	ProbePhrases(ctx context.Context) []string
}

// Snapshotter serves the current routing snapshot.
type Snapshotter interface {
	Snapshot() *catalog.Snapshot
}

// SessionAssigner stamps the session id and sequence of a request.
type SessionAssigner interface {
	Assign(ctx context.Context, s *session.Session)
}

// RPMChecker admits one request against a per-minute ceiling.
type RPMChecker interface {
	Allow(ctx context.Context, scope string, limit int) bool
}

// SpendChecker reports the first exhausted USD window of scope.
type SpendChecker interface {
	Exceeded(ctx context.Context, scope string, limits providers.Limits) (string, error)
}

// ActiveCounter counts the sessions in flight on scope.
type ActiveCounter interface {
	Active(ctx context.Context, scope string) (int, error)
	IsActive(ctx context.Context, scope, sessionID string) (bool, error)
}

// Chooser selects the provider of a request.
type Chooser interface {
	Choose(ctx context.Context, s *session.Session) (*providers.Provider, *session.DecisionContext, error)
}

// BillingResolver resolves the price of a request.
type BillingResolver interface {
	Resolve(ctx context.Context, s *session.Session) (billing.Resolution, error)
}

// Deps wires the steps. Nil optional dependencies disable the check that
// needs them.
type Deps struct {
	Keys     KeySource
	Settings Settings
	Catalog  Snapshotter
	Sessions SessionAssigner
	RPM      RPMChecker
	Spend    SpendChecker
	Active   ActiveCounter
	Chooser  Chooser
	Billing  BillingResolver
	Metrics  Recorder
	Log      *slog.Logger
	Now      func() time.Time
}

func (d *Deps) defaults() {
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Full is the pipeline of generating requests.
func Full(d Deps) *Pipeline {
	d.defaults()
	return NewPipeline("full", []Step{
		authStep{d},
		sensitiveStep{d},
		clientStep{},
		modelStep{},
		versionStep{d},
		probeStep{d},
		sessionStep{d},
		warmupStep{d},
		requestFilterStep{d},
		rateLimitStep{d},
		providerStep{d},
		providerFilterStep{d},
		billingStep{d},
	}, d.Metrics, d.Log)
}

// CountTokens is the pipeline of token-counting requests. It skips the
// session, warm-up, content, rate-limit and billing steps.
func CountTokens(d Deps) *Pipeline {
	d.defaults()
	return NewPipeline("count_tokens", []Step{
		authStep{d},
		clientStep{},
		modelStep{},
		versionStep{d},
		probeStep{d},
		requestFilterStep{d},
		providerStep{d},
		providerFilterStep{d},
	}, d.Metrics, d.Log)
}

// ── Identity and policy ─────────────────────────────────────────────────────

type authStep struct{ d Deps }

func (authStep) Name() string { return StepAuth }

func (st authStep) Check(ctx context.Context, s *session.Session) *Response {
	key := ExtractKey(s)
	if key == "" {
		return reject(http.StatusUnauthorized, failure.ClientNonRetryable, apierr.CodeInvalidAPIKey, "missing API key")
	}
	a, err := st.d.Keys.KeyByHash(ctx, store.HashKey(key))
	switch {
	case isNotFound(err):
		return reject(http.StatusUnauthorized, failure.ClientNonRetryable, apierr.CodeInvalidAPIKey, "invalid API key")
	case err != nil:
		st.d.Log.Error("key_lookup_failed",
			slog.String("request_id", s.RequestID),
			slog.String("error", err.Error()),
		)
		return reject(http.StatusInternalServerError, failure.System, apierr.CodeInternalError, "key lookup failed")
	case !a.Enabled:
		return reject(http.StatusForbidden, failure.ClientNonRetryable, apierr.CodeKeyDisabled, "API key is disabled")
	case a.Expired(st.d.Now()):
		return reject(http.StatusUnauthorized, failure.ClientNonRetryable, apierr.CodeKeyExpired, "API key has expired")
	}
	s.Auth = a
	return nil
}

type sensitiveStep struct{ d Deps }

func (sensitiveStep) Name() string { return StepSensitive }

func (st sensitiveStep) Check(_ context.Context, s *session.Session) *Response {
	if st.d.Catalog == nil || s.Request.UserText == "" {
		return nil
	}
	words := st.d.Catalog.Snapshot().SensitiveWords
	if len(words) == 0 {
		return nil
	}
	text := strings.ToLower(s.Request.UserText)
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" && strings.Contains(text, w) {
			return reject(http.StatusBadRequest, failure.ClientNonRetryable, apierr.CodeSensitiveContent,
				"request contains blocked content")
		}
	}
	return nil
}

type clientStep struct{}

func (clientStep) Name() string { return StepClient }

// Check matches the User-Agent against the key's allowed-client patterns: a
// case-insensitive substring match, where a trailing "*" is ignored.
func (clientStep) Check(_ context.Context, s *session.Session) *Response {
	if s.Auth == nil || len(s.Auth.AllowedClients) == 0 {
		return nil
	}
	ua := strings.ToLower(s.Headers.Get("User-Agent"))
	for _, p := range s.Auth.AllowedClients {
		p = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(p)), "*")
		if p != "" && strings.Contains(ua, p) {
			return nil
		}
	}
	return reject(http.StatusForbidden, failure.ClientNonRetryable, apierr.CodeClientNotAllowed,
		"client is not allowed for this API key")
}

type modelStep struct{}

func (modelStep) Name() string { return StepModel }

func (modelStep) Check(_ context.Context, s *session.Session) *Response {
	if s.Auth == nil || len(s.Auth.AllowedModels) == 0 || slices.Contains(s.Auth.AllowedModels, s.OriginalModel) {
		return nil
	}
	return reject(http.StatusForbidden, failure.ClientNonRetryable, apierr.CodeModelNotAllowed,
		fmt.Sprintf("model %q is not allowed for this API key", s.OriginalModel))
}

type versionStep struct{ d Deps }

func (versionStep) Name() string { return StepVersion }

func (st versionStep) Check(ctx context.Context, s *session.Session) *Response {
	if st.d.Settings == nil {
		return nil
	}
	name, version, ok := ClientVersion(s.Headers.Get("User-Agent"))
	if !ok {
		return nil
	}
	floor, ok := st.d.Settings.MinClientVersions(ctx)[name]
	if !ok {
		return nil
	}
	have, want := canonical(version), canonical(floor)
	if have == "" || want == "" || semver.Compare(have, want) >= 0 {
		return nil
	}
	return reject(http.StatusBadRequest, failure.ClientNonRetryable, apierr.CodeClientVersionTooOld,
		fmt.Sprintf("%s %s is below the minimum supported version %s, please upgrade", name, version, floor))
}

// ClientVersion splits the first product token of a User-Agent,
// "name/x.y.z (…)", into a lower-cased name and its version.
func ClientVersion(ua string) (name, version string, ok bool) {
	fields := strings.Fields(ua)
	if len(fields) == 0 {
		return "", "", false
	}
	name, version, ok = strings.Cut(fields[0], "/")
	if !ok || name == "" || version == "" {
		return "", "", false
	}
	return strings.ToLower(name), version, true
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

type probeStep struct{ d Deps }

func (probeStep) Name() string { return StepProbe }

// Check flags connectivity probes: a single short message from the probe
// phrase list with max_tokens of at most 1. Never terminal.
func (st probeStep) Check(ctx context.Context, s *session.Session) *Response {
	if s.Request.MaxTokens > 1 || s.Request.MessageCount > 1 {
		return nil
	}
	phrases := []string(nil)
	if st.d.Settings != nil {
		phrases = st.d.Settings.ProbePhrases(ctx)
	}
	if slices.Contains(phrases, strings.ToLower(strings.TrimSpace(s.Request.UserText))) {
		s.IsProbe = true
	}
	return nil
}

// ── Session and request shaping ─────────────────────────────────────────────

type sessionStep struct{ d Deps }

func (sessionStep) Name() string { return StepSession }

func (st sessionStep) Check(ctx context.Context, s *session.Session) *Response {
	if st.d.Sessions == nil || s.IsProbe {
		return nil
	}
	st.d.Sessions.Assign(ctx, s)
	return nil
}

type warmupStep struct{ d Deps }

func (warmupStep) Name() string { return StepWarmup }

func (st warmupStep) Check(ctx context.Context, s *session.Session) *Response {
	if st.d.Settings == nil || !wire.IsWarmup(s.Format, s.Request) || !st.d.Settings.InterceptWarmup(ctx) {
		return nil
	}
	s.IsWarmup = true
	return &Response{
		Status:      http.StatusOK,
		Category:    failure.None,
		Body:        wire.WarmupResponse("msg_"+strings.ReplaceAll(s.RequestID, "-", ""), s.OriginalModel),
		ContentType: "application/json",
	}
}

type requestFilterStep struct{ d Deps }

func (requestFilterStep) Name() string { return StepRequestFilter }

func (st requestFilterStep) Check(_ context.Context, s *session.Session) *Response {
	if st.d.Catalog == nil {
		return nil
	}
	ApplyFilters(st.d.Catalog.Snapshot().Filters, s, func(f store.Filter) bool {
		return f.Scope == store.ScopeGlobal
	}, st.d.Log)
	return nil
}

// ── Limits ──────────────────────────────────────────────────────────────────

type rateLimitStep struct{ d Deps }

func (rateLimitStep) Name() string { return StepRateLimit }

func (st rateLimitStep) Check(ctx context.Context, s *session.Session) *Response {
	if s.Auth == nil {
		return nil
	}
	scope := concurrency.KeyScope(s.Auth.KeyID)
	limits := s.Auth.Limits

	if st.d.RPM != nil && limits.RPM > 0 {
		if !st.d.RPM.Allow(ctx, scope, limits.RPM) {
			st.d.Metrics.RecordRateLimit("rpm", "rejected")
			return reject(http.StatusTooManyRequests, failure.RateLimit, apierr.CodeRateLimitExceeded,
				"API key requests-per-minute limit reached")
		}
		st.d.Metrics.RecordRateLimit("rpm", "allowed")
	}

	if st.d.Spend != nil {
		window, err := st.d.Spend.Exceeded(ctx, scope, limits)
		if err != nil {
			st.d.Log.Warn("key_spend_check_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		} else if window != "" {
			st.d.Metrics.RecordRateLimit("spend_"+window, "rejected")
			return reject(http.StatusTooManyRequests, failure.RateLimit, apierr.CodeRateLimitExceeded,
				fmt.Sprintf("API key %s spend limit reached", window))
		}
	}

	if st.d.Active != nil && limits.MaxConcurrentSessions > 0 && s.SessionID != "" {
		full, err := concurrency.AtCapacity(ctx, st.d.Active, scope, s.SessionID, limits.MaxConcurrentSessions)
		if err != nil {
			st.d.Log.Warn("key_concurrency_check_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		} else if full {
			st.d.Metrics.RecordRateLimit("sessions", "rejected")
			return reject(http.StatusTooManyRequests, failure.ConcurrentLimit, apierr.CodeConcurrentLimit,
				fmt.Sprintf("API key concurrent session limit (%d) reached", limits.MaxConcurrentSessions))
		}
	}
	return nil
}

// ── Routing ─────────────────────────────────────────────────────────────────

type providerStep struct{ d Deps }

func (providerStep) Name() string { return StepProvider }

// Check selects the provider and applies its model redirect. The chooser
// holds the provider breaker permit from here on; the forwarding engine or
// the proxy gives it back.
func (st providerStep) Check(ctx context.Context, s *session.Session) *Response {
	p, dc, err := st.d.Chooser.Choose(ctx, s)
	s.Decision = dc
	if err != nil {
		if !errors.Is(err, selector.ErrNoProvider) {
			st.d.Log.Error("provider_selection_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		}
		return reject(http.StatusServiceUnavailable, failure.System, apierr.CodeNoAvailableProvider,
			fmt.Sprintf("no available provider for %s model %q", s.Format, s.OriginalModel))
	}
	s.Provider = p

	if to := p.RedirectModel(s.OriginalModel); to != s.OriginalModel {
		body, err := wire.RewriteModel(s.Format, s.Body, to)
		if err != nil {
			st.d.Log.Warn("model_redirect_failed",
				slog.String("request_id", s.RequestID),
				slog.String("to", to),
				slog.String("error", err.Error()),
			)
			return nil
		}
		s.RedirectedModel = to
		s.Body = body
		st.d.Log.Debug("model_redirected",
			slog.String("request_id", s.RequestID),
			slog.String("provider", p.Name),
			slog.String("from", s.OriginalModel),
			slog.String("to", to),
		)
	}
	return nil
}

type providerFilterStep struct{ d Deps }

func (providerFilterStep) Name() string { return StepProviderFilter }

func (st providerFilterStep) Check(_ context.Context, s *session.Session) *Response {
	if st.d.Catalog == nil || s.Provider == nil {
		return nil
	}
	id := s.Provider.ID
	ApplyFilters(st.d.Catalog.Snapshot().Filters, s, func(f store.Filter) bool {
		return f.Scope == store.ScopeProvider && f.ProviderID == id
	}, st.d.Log)
	return nil
}

type billingStep struct{ d Deps }

func (billingStep) Name() string { return StepBilling }

// Check warms the billing resolution so the dispatcher finds it cached.
// Failures are logged; the dispatcher resolves again.
func (st billingStep) Check(ctx context.Context, s *session.Session) *Response {
	if st.d.Billing == nil {
		return nil
	}
	if _, err := st.d.Billing.Resolve(ctx, s); err != nil {
		st.d.Log.Warn("billing_prefetch_failed",
			slog.String("request_id", s.RequestID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
