package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/endpoint"
	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/forward"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// --- helpers ----------------------------------------------------------------

// doerFunc adapts a function to upstream.Doer.
type doerFunc func(ctx context.Context, req *upstream.Request) (*upstream.Response, error)

func (f doerFunc) Do(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	return f(ctx, req)
}

func jsonResponse(status int, body string) doerFunc {
	return func(context.Context, *upstream.Request) (*upstream.Response, error) {
		return &upstream.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": {"application/json"}, "X-Upstream": {"mock"}},
			Body:       []byte(body),
		}, nil
	}
}

type usageSink struct {
	ch chan usage.Record
}

func newUsageSink() *usageSink { return &usageSink{ch: make(chan usage.Record, 16)} }

func (u *usageSink) Log(r usage.Record) { u.ch <- r }

func (u *usageSink) next(t *testing.T) usage.Record {
	t.Helper()
	select {
	case r := <-u.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no usage record")
		return usage.Record{}
	}
}

type spendLog struct {
	mu  sync.Mutex
	usd map[string]float64
}

func (s *spendLog) Record(_ context.Context, scope string, _ providers.Limits, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usd == nil {
		s.usd = map[string]float64{}
	}
	s.usd[scope] += usd
	return nil
}

type fixedPrice struct{ rec *pricing.Record }

func (f fixedPrice) Resolve(_ context.Context, s *session.Session) (billing.Resolution, error) {
	return billing.Resolution{Price: f.rec, Source: "redirected", Model: s.Model()}, nil
}

type fakeHealth struct{ ready bool }

func (fakeHealth) Snapshot() endpoint.HealthSnapshot {
	return endpoint.HealthSnapshot{Status: "degraded"}
}
func (f fakeHealth) ReadinessOK() bool { return f.ready }

var testProvider = &providers.Provider{
	ID: 11, Name: "claude-main", Type: providers.TypeClaude, BaseURL: "https://upstream.example",
	APIKey: "sk-up", Enabled: true, MaxRetryAttempts: 1,
}

// assignStep plays the guard: it authenticates, stamps a session and picks
// testProvider.
func assignStep(p *providers.Provider) guard.Step {
	return guard.StepFunc{StepName: "assign", Fn: func(_ context.Context, s *session.Session) *guard.Response {
		s.Auth = &session.Auth{KeyID: 5, UserID: 9, Enabled: true}
		s.SessionID = "sess-1"
		s.Provider = p
		s.Decision = &session.DecisionContext{TotalProviders: 1}
		return nil
	}}
}

type fixture struct {
	gw      *Gateway
	usage   *usageSink
	spend   *spendLog
	audit   *audit.ChainLog
	tracker *concurrency.Memory
}

func newFixture(t testing.TB, doer upstream.Doer, opts ...func(*GatewayOptions)) *fixture {
	t.Helper()
	f := &fixture{
		usage:   newUsageSink(),
		spend:   &spendLog{},
		audit:   audit.New(16),
		tracker: concurrency.NewMemory(),
	}
	rules, _ := failure.NewRules([]string{"prompt is too long"}, nil)
	engine := forward.New(doer, nil, circuit.Set{},
		forward.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		forward.WithRules(func() *failure.Rules { return rules }),
	)
	steps := []guard.Step{assignStep(testProvider)}
	o := GatewayOptions{
		Full:        guard.NewPipeline("full", steps, nil, nil),
		CountTokens: guard.NewPipeline("count_tokens", steps, nil, nil),
		Engine:      engine,
		Tracker:     f.tracker,
		Spend:       f.spend,
		Usage:       f.usage,
		Audit:       f.audit,
		Billing: fixedPrice{&pricing.Record{
			InputPerMTok:  decimal.NewFromInt(3),
			OutputPerMTok: decimal.NewFromInt(15),
		}},
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.gw = NewGateway(context.Background(), o)
	return f
}

// serve starts the full handler on an in-memory listener and returns an
// HTTP client.
func serve(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func post(t *testing.T, c *http.Client, path, body string, hdr ...string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "http://relay"+path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func get(t *testing.T, c *http.Client, path string, hdr ...string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, "http://relay"+path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

const messagesBody = `{"model":"claude-sonnet","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`

// --- buffered dispatch ------------------------------------------------------

func TestServe_MessagesSuccess(t *testing.T) {
	upstreamBody := `{"id":"msg_1","type":"message","usage":{"input_tokens":1000,"output_tokens":500}}`
	f := newFixture(t, jsonResponse(200, upstreamBody))
	c := serve(t, f.gw)

	resp, body := post(t, c, "/v1/messages", messagesBody, "X-Request-ID", "req-ok")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if string(body) != upstreamBody {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("X-Upstream") != "mock" {
		t.Error("upstream headers not copied")
	}

	rec := f.usage.next(t)
	if rec.InputTokens != 1000 || rec.OutputTokens != 500 || rec.Reason != string(session.ReasonSuccess) {
		t.Errorf("usage = %+v", rec)
	}
	want := decimal.RequireFromString("0.0105")
	if !rec.CostUSD.Equal(want) {
		t.Errorf("cost = %s, want %s", rec.CostUSD, want)
	}

	f.spend.mu.Lock()
	for _, scope := range []string{"provider:11", "key:5", "user:9"} {
		if f.spend.usd[scope] != 0.0105 {
			t.Errorf("spend[%s] = %v", scope, f.spend.usd[scope])
		}
	}
	f.spend.mu.Unlock()

	if n, _ := f.tracker.Active(context.Background(), concurrency.ProviderScope(11)); n != 0 {
		t.Errorf("lease not released: %d active", n)
	}

	chain, ok := f.audit.Get(resp.Header.Get("X-Relay-Id"))
	if !ok || len(chain.Chain) != 1 || chain.StatusCode != 200 || chain.RequestID != "req-ok" {
		t.Errorf("audit = %+v, %v", chain, ok)
	}
}

func TestServe_Validation(t *testing.T) {
	f := newFixture(t, jsonResponse(200, `{}`))
	c := serve(t, f.gw)

	tests := []struct {
		name, path, body string
		anthropic        bool
	}{
		{"messages invalid json", "/v1/messages", `{not json`, true},
		{"messages no model", "/v1/messages", `{"messages":[]}`, true},
		{"chat no model", "/v1/chat/completions", `{"messages":[]}`, false},
		{"responses array body", "/v1/responses", `[1,2]`, false},
		{"gemini bad target", "/v1beta/models/gemini-pro", `{"contents":[]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, c, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
			}
			var env map[string]any
			if err := json.Unmarshal(body, &env); err != nil {
				t.Fatalf("body not JSON: %s", body)
			}
			_, hasType := env["type"]
			if hasType != tt.anthropic {
				t.Errorf("envelope = %s", body)
			}
		})
	}
}

func TestServe_GuardShortCircuit(t *testing.T) {
	called := false
	doer := doerFunc(func(context.Context, *upstream.Request) (*upstream.Response, error) {
		called = true
		return nil, nil
	})
	limit := guard.StepFunc{StepName: "rate_limit", Fn: func(context.Context, *session.Session) *guard.Response {
		return &guard.Response{Status: 429, Category: failure.RateLimit, Code: "rate_limit_exceeded", Message: "slow down"}
	}}
	f := newFixture(t, doer, func(o *GatewayOptions) {
		o.Full = guard.NewPipeline("full", []guard.Step{limit}, nil, nil)
	})
	c := serve(t, f.gw)

	resp, body := post(t, c, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`, "X-Request-ID", "req-429")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "rate_limit_exceeded") {
		t.Errorf("body = %s", body)
	}
	if called {
		t.Error("engine must not run after a short-circuit")
	}
	if rec, ok := f.audit.Get(resp.Header.Get("X-Relay-Id")); !ok || rec.StatusCode != 429 {
		t.Errorf("audit = %+v", rec)
	}
}

func TestServe_GuardCannedBody(t *testing.T) {
	warm := guard.StepFunc{StepName: "warmup", Fn: func(context.Context, *session.Session) *guard.Response {
		return &guard.Response{Status: 200, Body: []byte(`{"type":"message","content":[]}`)}
	}}
	f := newFixture(t, jsonResponse(500, ``), func(o *GatewayOptions) {
		o.Full = guard.NewPipeline("full", []guard.Step{warm}, nil, nil)
	})
	c := serve(t, f.gw)

	resp, body := post(t, c, "/v1/messages", messagesBody)
	if resp.StatusCode != 200 || string(body) != `{"type":"message","content":[]}` {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestServe_ForwardErrors(t *testing.T) {
	tests := []struct {
		name     string
		doer     doerFunc
		status   int
		contains string
	}{
		{"provider 503", jsonResponse(503, `{"error":"overloaded"}`), 502, "provider_error"},
		{"provider 429", jsonResponse(429, `{"error":"slow"}`), 429, "rate_limit_exceeded"},
		{"error rule passes through", jsonResponse(400, `{"error":"prompt is too long"}`), 400, "prompt is too long"},
		{"timeout", func(_ context.Context, r *upstream.Request) (*upstream.Response, error) {
			return nil, &upstream.TransportError{URL: r.URL, Err: failure.ErrTotalTimeout}
		}, 504, "request_timeout"},
		{"refused", func(_ context.Context, r *upstream.Request) (*upstream.Response, error) {
			return nil, &upstream.TransportError{URL: r.URL, Err: syscall.ECONNREFUSED}
		}, 502, "system_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.doer)
			c := serve(t, f.gw)

			resp, body := post(t, c, "/v1/messages", messagesBody)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", resp.StatusCode, tt.status, body)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body = %s, want %q", body, tt.contains)
			}
			rec := f.usage.next(t)
			if !rec.CostUSD.IsZero() {
				t.Errorf("failed requests are not billed: %s", rec.CostUSD)
			}
			if n, _ := f.tracker.Active(context.Background(), concurrency.KeyScope(5)); n != 0 {
				t.Errorf("lease not released: %d", n)
			}
		})
	}
}

// --- streaming --------------------------------------------------------------

func TestServe_StreamPassThrough(t *testing.T) {
	sse := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":10}}` + "\n\n"
	doer := doerFunc(func(_ context.Context, req *upstream.Request) (*upstream.Response, error) {
		if !req.Stream {
			t.Error("upstream call should be streaming")
		}
		return &upstream.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": {"text/event-stream"}},
			Stream:     io.NopCloser(strings.NewReader(sse)),
		}, nil
	})
	f := newFixture(t, doer)
	c := serve(t, f.gw)

	body := `{"model":"claude-sonnet","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	resp, got := post(t, c, "/v1/messages", body)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(got) != sse {
		t.Errorf("stream altered:\n%s", got)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Errorf("content-type = %q", resp.Header.Get("Content-Type"))
	}

	rec := f.usage.next(t)
	if rec.InputTokens != 25 || rec.OutputTokens != 10 || !rec.Stream {
		t.Errorf("usage = %+v", rec)
	}
	if n, _ := f.tracker.Active(context.Background(), concurrency.ProviderScope(11)); n != 0 {
		t.Errorf("lease not released after stream end: %d", n)
	}
}

func TestServe_StreamUpstreamFailureAppendsErrorEvent(t *testing.T) {
	doer := doerFunc(func(context.Context, *upstream.Request) (*upstream.Response, error) {
		r := io.MultiReader(strings.NewReader("data: {\"type\":\"ping\"}\n\n"), errReader{failure.ErrIdleTimeout})
		return &upstream.Response{StatusCode: 200, Stream: io.NopCloser(r)}, nil
	})
	f := newFixture(t, doer)
	c := serve(t, f.gw)

	_, got := post(t, c, "/v1/messages", `{"model":"m","stream":true,"messages":[]}`)
	if !strings.Contains(string(got), "event: error") || !strings.Contains(string(got), "request_timeout") {
		t.Errorf("stream = %s", got)
	}
	if rec := f.usage.next(t); rec.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("recorded status = %d", rec.StatusCode)
	}
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// --- gemini -----------------------------------------------------------------

func TestServe_GeminiRoute(t *testing.T) {
	var gotURL string
	doer := doerFunc(func(_ context.Context, req *upstream.Request) (*upstream.Response, error) {
		gotURL = req.URL
		return &upstream.Response{StatusCode: 200, Body: []byte(`{"usageMetadata":{"promptTokenCount":3}}`)}, nil
	})
	gp := &providers.Provider{ID: 12, Name: "gemini", Type: providers.TypeGemini, BaseURL: "https://gl.example", MaxRetryAttempts: 1}
	f := newFixture(t, doer, func(o *GatewayOptions) {
		o.Full = guard.NewPipeline("full", []guard.Step{assignStep(gp)}, nil, nil)
	})
	c := serve(t, f.gw)

	resp, body := post(t, c, "/v1beta/models/gemini-pro:generateContent?key=client", `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if gotURL != "https://gl.example/v1beta/models/gemini-pro:generateContent" {
		t.Errorf("upstream url = %s", gotURL)
	}
	if rec := f.usage.next(t); rec.Model != "gemini-pro" || rec.InputTokens != 3 {
		t.Errorf("usage = %+v", rec)
	}
}

// --- operational routes -----------------------------------------------------

func TestChainRoute(t *testing.T) {
	f := newFixture(t, jsonResponse(200, `{}`), func(o *GatewayOptions) { o.AdminToken = "adm" })
	c := serve(t, f.gw)
	first, _ := post(t, c, "/v1/messages", messagesBody, "X-Request-ID", "req-chain")
	f.usage.next(t)
	relayID := first.Header.Get("X-Relay-Id")
	if relayID == "" {
		t.Fatal("X-Relay-Id missing")
	}

	if resp, _ := get(t, c, "/api/requests/"+relayID+"/chain"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d", resp.StatusCode)
	}

	resp, body := get(t, c, "/api/requests/"+relayID+"/chain", "Authorization", "Bearer adm")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rec audit.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != relayID || rec.RequestID != "req-chain" || len(rec.Chain) != 1 || rec.Chain[0].Decision == nil {
		t.Errorf("record = %s", body)
	}

	// A reused client request id is a new record, not an overwrite.
	second, _ := post(t, c, "/v1/messages", messagesBody, "X-Request-ID", "req-chain")
	f.usage.next(t)
	if id := second.Header.Get("X-Relay-Id"); id == relayID {
		t.Fatalf("relay id reused across requests: %s", id)
	}
	if _, ok := f.audit.Get(relayID); !ok {
		t.Error("first record overwritten by a request with the same X-Request-ID")
	}
	if resp, _ := get(t, c, "/api/requests/req-chain/chain", "Authorization", "Bearer adm"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("client request id must not address the chain log: status = %d", resp.StatusCode)
	}

	if resp, _ := get(t, c, "/api/requests/unknown/chain", "Authorization", "Bearer adm"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id: status = %d", resp.StatusCode)
	}
}

func TestCircuitsRoute(t *testing.T) {
	reg := circuit.NewRegistry("provider", circuit.Config{FailureThreshold: 1})
	reg.RecordFailure(circuit.ProviderKey(3))
	f := newFixture(t, jsonResponse(200, `{}`), func(o *GatewayOptions) {
		o.Circuits = map[string]CircuitLister{"provider": reg}
	})
	c := serve(t, f.gw)

	_, body := get(t, c, "/api/circuits")
	var out map[string]map[string]circuit.Snapshot
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("body = %s", body)
	}
	if out["provider"]["3"].Failures != 1 {
		t.Errorf("circuits = %s", body)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, jsonResponse(200, `{}`), func(o *GatewayOptions) { o.Health = fakeHealth{ready: false} })
	c := serve(t, f.gw)

	_, body := get(t, c, "/health")
	if !strings.Contains(string(body), `"degraded"`) {
		t.Errorf("health = %s", body)
	}
	if resp, _ := get(t, c, "/readiness"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d", resp.StatusCode)
	}
}

func TestHealth_NoSource(t *testing.T) {
	f := newFixture(t, jsonResponse(200, `{}`), func(o *GatewayOptions) { o.Version = "1.2.3" })

	ctx := &fasthttp.RequestCtx{}
	f.gw.handleHealth(ctx)
	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" || resp["version"] != "1.2.3" {
		t.Errorf("health = %v", resp)
	}

	ctx = &fasthttp.RequestCtx{}
	f.gw.handleReadiness(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("readiness = %d", ctx.Response.StatusCode())
	}
}

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}
	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}

func TestNewGateway_PanicsWithoutEngine(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewGateway(context.Background(), GatewayOptions{})
}

func TestServe_PanicReleasesLease(t *testing.T) {
	doer := doerFunc(func(context.Context, *upstream.Request) (*upstream.Response, error) {
		panic("boom")
	})
	f := newFixture(t, doer)
	c := serve(t, f.gw)

	resp, _ := post(t, c, "/v1/messages", messagesBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rec := f.usage.next(t); rec.StatusCode != http.StatusInternalServerError {
		t.Errorf("recorded status = %d", rec.StatusCode)
	}
	if n, _ := f.tracker.Active(context.Background(), concurrency.KeyScope(5)); n != 0 {
		t.Errorf("lease leaked after panic: %d", n)
	}
}
