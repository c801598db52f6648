package guard

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/tidwall/gjson"

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

// ── fakes ───────────────────────────────────────────────────────────────────

type fakeKeys struct {
	keys  map[string]*session.Auth // by raw key
	err   error
	calls int
}

func (f *fakeKeys) KeyByHash(_ context.Context, hash string) (*session.Auth, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for raw, a := range f.keys {
		if store.HashKey(raw) == hash {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeSettings struct {
	warmup  bool
	min     map[string]string
	phrases []string
}

func (f fakeSettings) InterceptWarmup(context.Context) bool                { return f.warmup }
func (f fakeSettings) MinClientVersions(context.Context) map[string]string { return f.min }
func (f fakeSettings) ProbePhrases(context.Context) []string               { return f.phrases }

type fixedSnapshot struct{ snap *catalog.Snapshot }

func (f fixedSnapshot) Snapshot() *catalog.Snapshot { return f.snap }

type countingRecorder struct {
	short []string
	rl    []string
}

func (c *countingRecorder) RecordGuardShortCircuit(step string) { c.short = append(c.short, step) }
func (c *countingRecorder) RecordRateLimit(kind, result string) {
	c.rl = append(c.rl, kind+"="+result)
}

type fakeRPM struct{ allow bool }

func (f fakeRPM) Allow(context.Context, string, int) bool { return f.allow }

type fakeSpend struct {
	window string
	err    error
}

func (f fakeSpend) Exceeded(context.Context, string, providers.Limits) (string, error) {
	return f.window, f.err
}

type fakeActive int

func (f fakeActive) Active(context.Context, string) (int, error)            { return int(f), nil }
func (f fakeActive) IsActive(context.Context, string, string) (bool, error) { return false, nil }

type fakeChooser struct {
	p   *providers.Provider
	err error
}

func (f fakeChooser) Choose(context.Context, *session.Session) (*providers.Provider, *session.DecisionContext, error) {
	dc := &session.DecisionContext{TotalProviders: 1}
	if f.err != nil {
		return nil, dc, f.err
	}
	return f.p, dc, nil
}

type fakeBilling struct{ err error }

func (f fakeBilling) Resolve(context.Context, *session.Session) (billing.Resolution, error) {
	return billing.Resolution{}, f.err
}

type fakeAssigner struct{ called bool }

func (f *fakeAssigner) Assign(_ context.Context, s *session.Session) {
	f.called = true
	s.SessionID = "sess-1"
}

func newSession(body string) *session.Session {
	s := session.New(context.Background(), "req-1", http.Header{}, []byte(body))
	s.Format = providers.FormatMessages
	s.Path = "/v1/messages"
	if r, err := wire.Parse(s.Format, s.Body, "", false); err == nil {
		s.Request = r
		s.OriginalModel = r.Model
	}
	return s
}

const helloBody = `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"hello there"}]}`

// ── pipeline ────────────────────────────────────────────────────────────────

func TestPipeline_StopsAtFirstTerminal(t *testing.T) {
	var ran []string
	step := func(name string, resp *Response) Step {
		return StepFunc{StepName: name, Fn: func(context.Context, *session.Session) *Response {
			ran = append(ran, name)
			return resp
		}}
	}
	rec := &countingRecorder{}
	p := NewPipeline("t", []Step{
		step("a", nil),
		step("b", reject(403, failure.ClientNonRetryable, "x", "no")),
		step("c", nil),
	}, rec, nil)

	resp := p.Run(context.Background(), newSession(helloBody))
	if resp == nil || resp.Status != 403 {
		t.Fatalf("resp = %+v", resp)
	}
	if !slices.Equal(ran, []string{"a", "b"}) {
		t.Errorf("ran = %v", ran)
	}
	if !slices.Equal(rec.short, []string{"b"}) {
		t.Errorf("short circuits = %v", rec.short)
	}
}

func TestPipeline_PanicBecomes500(t *testing.T) {
	p := NewPipeline("t", []Step{StepFunc{StepName: "boom", Fn: func(context.Context, *session.Session) *Response {
		panic("nil map")
	}}}, nil, nil)

	resp := p.Run(context.Background(), newSession(helloBody))
	if resp == nil || resp.Status != http.StatusInternalServerError || resp.Category != failure.System {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPipelineVariants(t *testing.T) {
	d := Deps{}
	full := Full(d).Steps()
	want := []string{
		StepAuth, StepSensitive, StepClient, StepModel, StepVersion, StepProbe, StepSession,
		StepWarmup, StepRequestFilter, StepRateLimit, StepProvider, StepProviderFilter, StepBilling,
	}
	if !slices.Equal(full, want) {
		t.Errorf("full = %v", full)
	}
	ct := CountTokens(d).Steps()
	wantCT := []string{StepAuth, StepClient, StepModel, StepVersion, StepProbe, StepRequestFilter, StepProvider, StepProviderFilter}
	if !slices.Equal(ct, wantCT) {
		t.Errorf("count_tokens = %v", ct)
	}
}

// ── auth ────────────────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	keys := &fakeKeys{keys: map[string]*session.Auth{
		"sk-ok":      {KeyID: 1, Enabled: true},
		"sk-off":     {KeyID: 2, Enabled: false},
		"sk-expired": {KeyID: 3, Enabled: true, ExpiresAt: now.Add(-time.Hour)},
	}}
	step := authStep{Deps{Keys: keys, Now: func() time.Time { return now }}}
	step.d.defaults()

	tests := []struct {
		name   string
		setup  func(s *session.Session)
		status int
		code   string
	}{
		{"missing", func(*session.Session) {}, 401, apierr.CodeInvalidAPIKey},
		{"unknown", func(s *session.Session) { s.Headers.Set("X-Api-Key", "sk-nope") }, 401, apierr.CodeInvalidAPIKey},
		{"disabled", func(s *session.Session) { s.Headers.Set("X-Api-Key", "sk-off") }, 403, apierr.CodeKeyDisabled},
		{"expired", func(s *session.Session) { s.Headers.Set("X-Api-Key", "sk-expired") }, 401, apierr.CodeKeyExpired},
		{"x-api-key", func(s *session.Session) { s.Headers.Set("X-Api-Key", "sk-ok") }, 0, ""},
		{"bearer", func(s *session.Session) { s.Headers.Set("Authorization", "Bearer sk-ok") }, 0, ""},
		{"goog", func(s *session.Session) { s.Headers.Set("X-Goog-Api-Key", "sk-ok") }, 0, ""},
		{"query", func(s *session.Session) { s.RawQuery = "alt=sse&key=sk-ok" }, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(helloBody)
			tt.setup(s)
			resp := step.Check(context.Background(), s)
			if tt.status == 0 {
				if resp != nil {
					t.Fatalf("resp = %+v", resp)
				}
				if s.Auth == nil || s.Auth.KeyID != 1 {
					t.Errorf("auth = %+v", s.Auth)
				}
				return
			}
			if resp == nil || resp.Status != tt.status || resp.Code != tt.code {
				t.Errorf("resp = %+v, want %d %s", resp, tt.status, tt.code)
			}
		})
	}
}

func TestAuth_StoreErrorIs500(t *testing.T) {
	step := authStep{Deps{Keys: &fakeKeys{err: errors.New("database is locked")}}}
	step.d.defaults()
	s := newSession(helloBody)
	s.Headers.Set("X-Api-Key", "sk-ok")
	if resp := step.Check(context.Background(), s); resp == nil || resp.Status != 500 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestKeyCache(t *testing.T) {
	src := &fakeKeys{keys: map[string]*session.Auth{"sk-ok": {KeyID: 1, Enabled: true}}}
	kc := NewKeyCache(src, 8, time.Minute)
	for range 3 {
		if _, err := kc.KeyByHash(context.Background(), store.HashKey("sk-ok")); err != nil {
			t.Fatal(err)
		}
	}
	for range 2 {
		if _, err := kc.KeyByHash(context.Background(), store.HashKey("sk-none")); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if src.calls != 3 {
		t.Errorf("source calls = %d, want 3 (one hit cached, misses not cached)", src.calls)
	}
	kc.Purge()
	_, _ = kc.KeyByHash(context.Background(), store.HashKey("sk-ok"))
	if src.calls != 4 {
		t.Errorf("after purge calls = %d", src.calls)
	}
}

// ── policy ──────────────────────────────────────────────────────────────────

func TestSensitive(t *testing.T) {
	step := sensitiveStep{Deps{Catalog: fixedSnapshot{&catalog.Snapshot{SensitiveWords: []string{"Forbidden"}}}}}

	if resp := step.Check(context.Background(), newSession(helloBody)); resp != nil {
		t.Errorf("clean text blocked: %+v", resp)
	}
	s := newSession(`{"model":"m","messages":[{"role":"user","content":"this is FORBIDDEN stuff"}]}`)
	resp := step.Check(context.Background(), s)
	if resp == nil || resp.Status != 400 || resp.Category != failure.ClientNonRetryable {
		t.Errorf("resp = %+v", resp)
	}
}

func TestClientAndModel(t *testing.T) {
	s := newSession(helloBody)
	s.Auth = &session.Auth{AllowedClients: []string{"claude-cli*"}, AllowedModels: []string{"claude-sonnet-4"}}

	s.Headers.Set("User-Agent", "claude-cli/1.0.80 (external, cli)")
	if resp := (clientStep{}).Check(context.Background(), s); resp != nil {
		t.Errorf("allowed client rejected: %+v", resp)
	}
	s.Headers.Set("User-Agent", "curl/8.0")
	if resp := (clientStep{}).Check(context.Background(), s); resp == nil || resp.Status != 403 {
		t.Errorf("curl allowed: %+v", resp)
	}

	if resp := (modelStep{}).Check(context.Background(), s); resp != nil {
		t.Errorf("allowed model rejected: %+v", resp)
	}
	s.OriginalModel = "claude-opus-4"
	if resp := (modelStep{}).Check(context.Background(), s); resp == nil || resp.Code != apierr.CodeModelNotAllowed {
		t.Errorf("resp = %+v", resp)
	}
}

func TestVersion(t *testing.T) {
	step := versionStep{Deps{Settings: fakeSettings{min: map[string]string{"claude-cli": "1.0.50"}}}}

	tests := []struct {
		ua      string
		blocked bool
	}{
		{"claude-cli/1.0.80 (external, cli)", false},
		{"claude-cli/1.0.50", false},
		{"claude-cli/1.0.9", true},
		{"Claude-CLI/0.9.0", true},
		{"claude-cli/not-a-version", false},
		{"codex/0.1.0", false},
		{"", false},
	}
	for _, tt := range tests {
		s := newSession(helloBody)
		s.Headers.Set("User-Agent", tt.ua)
		resp := step.Check(context.Background(), s)
		if (resp != nil) != tt.blocked {
			t.Errorf("ua %q: resp = %+v, blocked want %v", tt.ua, resp, tt.blocked)
			continue
		}
		if resp != nil && (resp.Status != 400 || resp.Code != apierr.CodeClientVersionTooOld) {
			t.Errorf("ua %q: resp = %+v", tt.ua, resp)
		}
	}
}

func TestProbe(t *testing.T) {
	step := probeStep{Deps{Settings: fakeSettings{phrases: []string{"foo", "hi", "quota", "test"}}}}

	tests := []struct {
		body  string
		probe bool
	}{
		{`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"Hi"}]}`, true},
		{`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"quota"}]}`, true},
		{`{"model":"m","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`, false},
		{`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"hello there"}]}`, false},
	}
	for _, tt := range tests {
		s := newSession(tt.body)
		if resp := step.Check(context.Background(), s); resp != nil {
			t.Fatalf("probe step must never be terminal: %+v", resp)
		}
		if s.IsProbe != tt.probe {
			t.Errorf("%s: probe = %v", tt.body, s.IsProbe)
		}
	}
}

func TestSession_SkipsProbes(t *testing.T) {
	a := &fakeAssigner{}
	step := sessionStep{Deps{Sessions: a}}
	s := newSession(helloBody)
	s.IsProbe = true
	step.Check(context.Background(), s)
	if a.called {
		t.Error("probe requests must not get a session")
	}
	s.IsProbe = false
	step.Check(context.Background(), s)
	if !a.called || s.SessionID != "sess-1" {
		t.Errorf("session not assigned: %q", s.SessionID)
	}
}

func TestWarmup(t *testing.T) {
	body := `{"model":"claude-haiku","max_tokens":1,"messages":[{"role":"user","content":"Warmup"}]}`

	off := warmupStep{Deps{Settings: fakeSettings{warmup: false}}}
	if resp := off.Check(context.Background(), newSession(body)); resp != nil {
		t.Errorf("warmup intercepted while disabled: %+v", resp)
	}

	on := warmupStep{Deps{Settings: fakeSettings{warmup: true}}}
	s := newSession(body)
	resp := on.Check(context.Background(), s)
	if resp == nil || resp.Status != 200 || resp.Body == nil || !s.IsWarmup {
		t.Fatalf("resp = %+v", resp)
	}
	if gjson.GetBytes(resp.Body, "model").String() != "claude-haiku" || gjson.GetBytes(resp.Body, "type").String() != "message" {
		t.Errorf("warmup body = %s", resp.Body)
	}
}

// ── filters ─────────────────────────────────────────────────────────────────

func TestFilters(t *testing.T) {
	snap := &catalog.Snapshot{Filters: []store.Filter{
		{ID: 1, Scope: store.ScopeGlobal, Target: store.TargetHeader, Action: store.ActionSet, Key: "X-Team", Value: "core", Enabled: true},
		{ID: 2, Scope: store.ScopeGlobal, Target: store.TargetHeader, Action: store.ActionRemove, Key: "X-Debug", Enabled: true},
		{ID: 3, Scope: store.ScopeGlobal, Target: store.TargetBody, Action: store.ActionSet, Key: "metadata.tier", Value: "gold", Enabled: true},
		{ID: 4, Scope: store.ScopeGlobal, Target: store.TargetBody, Action: store.ActionSet, Key: "temperature", Value: "0.2", Enabled: true},
		{ID: 5, Scope: store.ScopeGlobal, Target: store.TargetBody, Action: store.ActionRemove, Key: "top_k", Enabled: true},
		{ID: 6, Scope: store.ScopeProvider, ProviderID: 9, Target: store.TargetHeader, Action: store.ActionSet, Key: "X-Provider", Value: "nine", Enabled: true},
		{ID: 7, Scope: store.ScopeProvider, ProviderID: 8, Target: store.TargetHeader, Action: store.ActionSet, Key: "X-Other", Value: "eight", Enabled: true},
	}}
	d := Deps{Catalog: fixedSnapshot{snap}}
	d.defaults()

	s := newSession(`{"model":"m","top_k":5,"messages":[]}`)
	s.Headers.Set("X-Debug", "1")

	requestFilterStep{d}.Check(context.Background(), s)
	if s.Headers.Get("X-Team") != "core" || s.Headers.Get("X-Debug") != "" {
		t.Errorf("headers = %v", s.Headers)
	}
	if gjson.GetBytes(s.Body, "metadata.tier").String() != "gold" ||
		gjson.GetBytes(s.Body, "temperature").Float() != 0.2 ||
		gjson.GetBytes(s.Body, "top_k").Exists() {
		t.Errorf("body = %s", s.Body)
	}
	if s.Headers.Get("X-Provider") != "" {
		t.Error("provider filter applied by the global step")
	}
	if !s.HeadersChanged() {
		t.Error("HeadersChanged should report the filter edits")
	}

	s.Provider = &providers.Provider{ID: 9}
	providerFilterStep{d}.Check(context.Background(), s)
	if s.Headers.Get("X-Provider") != "nine" || s.Headers.Get("X-Other") != "" {
		t.Errorf("provider-scoped headers = %v", s.Headers)
	}
}

// ── limits ──────────────────────────────────────────────────────────────────

func TestRateLimit(t *testing.T) {
	limits := providers.Limits{RPM: 10, DailyUSD: 5, MaxConcurrentSessions: 2}

	tests := []struct {
		name string
		d    Deps
		code string
		cat  failure.Category
	}{
		{"allowed", Deps{RPM: fakeRPM{true}, Spend: fakeSpend{}, Active: fakeActive(1)}, "", failure.None},
		{"rpm", Deps{RPM: fakeRPM{false}}, apierr.CodeRateLimitExceeded, failure.RateLimit},
		{"spend", Deps{RPM: fakeRPM{true}, Spend: fakeSpend{window: "daily"}}, apierr.CodeRateLimitExceeded, failure.RateLimit},
		{"spend error allows", Deps{Spend: fakeSpend{err: errors.New("redis down")}}, "", failure.None},
		{"sessions", Deps{Active: fakeActive(2)}, apierr.CodeConcurrentLimit, failure.ConcurrentLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.d.defaults()
			s := newSession(helloBody)
			s.Auth = &session.Auth{KeyID: 1, Limits: limits}
			s.SessionID = "sess-1"
			resp := rateLimitStep{tt.d}.Check(context.Background(), s)
			if tt.code == "" {
				if resp != nil {
					t.Errorf("resp = %+v", resp)
				}
				return
			}
			if resp == nil || resp.Status != 429 || resp.Code != tt.code || resp.Category != tt.cat {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestRateLimit_SessionLimitAdmitsActiveSession(t *testing.T) {
	ctx := context.Background()
	tr := concurrency.NewMemory()
	lease, err := concurrency.Acquire(ctx, tr, "sess-1", concurrency.KeyScope(1))
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	d := Deps{Active: tr}
	d.defaults()
	limits := providers.Limits{MaxConcurrentSessions: 1}

	s := newSession(helloBody)
	s.Auth = &session.Auth{KeyID: 1, Limits: limits}
	s.SessionID = "sess-1"
	if resp := (rateLimitStep{d}).Check(ctx, s); resp != nil {
		t.Errorf("parallel request of an active session rejected: %+v", resp)
	}

	s2 := newSession(helloBody)
	s2.Auth = &session.Auth{KeyID: 1, Limits: limits}
	s2.SessionID = "sess-2"
	if resp := (rateLimitStep{d}).Check(ctx, s2); resp == nil || resp.Category != failure.ConcurrentLimit {
		t.Errorf("new session over the limit: resp = %+v", resp)
	}
}

// ── routing ─────────────────────────────────────────────────────────────────

func TestProvider_RedirectRewritesBody(t *testing.T) {
	p := &providers.Provider{ID: 3, Name: "p3", ModelRedirects: map[string]string{"claude-sonnet-4": "claude-sonnet-4-5"}}
	d := Deps{Chooser: fakeChooser{p: p}}
	d.defaults()

	s := newSession(helloBody)
	if resp := (providerStep{d}).Check(context.Background(), s); resp != nil {
		t.Fatalf("resp = %+v", resp)
	}
	if s.Provider != p || s.Decision == nil {
		t.Errorf("provider %v decision %v", s.Provider, s.Decision)
	}
	if s.RedirectedModel != "claude-sonnet-4-5" || gjson.GetBytes(s.Body, "model").String() != "claude-sonnet-4-5" {
		t.Errorf("redirect = %q body %s", s.RedirectedModel, s.Body)
	}
	if s.OriginalModel != "claude-sonnet-4" {
		t.Errorf("original model changed: %q", s.OriginalModel)
	}
}

func TestProvider_NoProvider(t *testing.T) {
	d := Deps{Chooser: fakeChooser{err: selector.ErrNoProvider}}
	d.defaults()
	s := newSession(helloBody)
	resp := providerStep{d}.Check(context.Background(), s)
	if resp == nil || resp.Status != 503 || resp.Code != apierr.CodeNoAvailableProvider {
		t.Fatalf("resp = %+v", resp)
	}
	if s.Decision == nil {
		t.Error("decision context should be kept for the audit trail")
	}
}

func TestBilling_NeverTerminal(t *testing.T) {
	d := Deps{Billing: fakeBilling{err: errors.New("db gone")}}
	d.defaults()
	if resp := (billingStep{d}).Check(context.Background(), newSession(helloBody)); resp != nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFull_EndToEnd(t *testing.T) {
	rec := &countingRecorder{}
	p := &providers.Provider{ID: 1, Name: "p1"}
	d := Deps{
		Keys:     &fakeKeys{keys: map[string]*session.Auth{"sk-ok": {KeyID: 1, Enabled: true}}},
		Settings: fakeSettings{},
		Catalog:  fixedSnapshot{&catalog.Snapshot{}},
		Sessions: &fakeAssigner{},
		Chooser:  fakeChooser{p: p},
		Billing:  fakeBilling{},
		Metrics:  rec,
	}
	s := newSession(helloBody)
	s.Headers.Set("X-Api-Key", "sk-ok")
	if resp := Full(d).Run(context.Background(), s); resp != nil {
		t.Fatalf("resp = %+v", resp)
	}
	if s.Provider != p || s.SessionID != "sess-1" || s.Auth == nil {
		t.Errorf("session = provider %v sid %q auth %v", s.Provider, s.SessionID, s.Auth)
	}
	if len(rec.short) != 0 {
		t.Errorf("short circuits = %v", rec.short)
	}
}
