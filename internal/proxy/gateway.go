// Package proxy serves the relay wire endpoints.
//
// The Gateway validates an incoming request, builds its session, runs the
// guard pipeline of the route, takes the concurrency lease, forwards through
// the engine and dispatches the upstream answer back to the client in the
// request's own wire format, streamed or buffered.
//
// Key design constraints:
//   - The client sees one coherent answer per request, whatever the engine
//     tried upstream.
//   - Metering, spend and audit are recorded after the answer is produced,
//     also when a stream ends or the client goes away.
//   - Optional dependencies are nil-safe.
package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/endpoint"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/internal/wire"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Forwarder runs the upstream engagement of a session.
type Forwarder interface {
	Forward(ctx context.Context, s *session.Session) (*upstream.Response, error)
}

// SpendRecorder adds USD spend to a scope.
type SpendRecorder interface {
	Record(ctx context.Context, scope string, limits providers.Limits, usd float64) error
}

// UsageSink receives one metering record per forwarded request.
type UsageSink interface {
	Log(r usage.Record)
}

// HealthSource serves GET /health and GET /readiness.
type HealthSource interface {
	Snapshot() endpoint.HealthSnapshot
	ReadinessOK() bool
}

// CircuitLister enumerates the breakers of one scope.
type CircuitLister interface {
	Snapshots() map[string]circuit.Snapshot
}

// GatewayOptions holds the dependencies and tuning of a Gateway. Only Full,
// CountTokens and Engine are required.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Full and CountTokens are the guard pipeline variants.
	Full        *guard.Pipeline
	CountTokens *guard.Pipeline

	Engine  Forwarder
	Tracker concurrency.Tracker
	Spend   SpendRecorder
	Billing guard.BillingResolver
	Usage   UsageSink
	Audit   *audit.ChainLog
	Health  HealthSource

	// Circuits maps a breaker scope name to its registry for GET /api/circuits.
	Circuits map[string]CircuitLister

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CORSOrigins lists the allowed origins. Empty or ["*"] allows all.
	CORSOrigins []string

	// AdminToken, when set, guards the /api routes with a bearer token.
	AdminToken string

	// Version is reported by GET /health when no HealthSource is set.
	Version string
}

// Gateway is the relay front end. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	opts    GatewayOptions
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewGateway creates a Gateway. baseCtx bounds every upstream engagement;
// cancelling it aborts in-flight requests.
func NewGateway(baseCtx context.Context, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if opts.Full == nil || opts.CountTokens == nil || opts.Engine == nil {
		panic("gateway: pipelines and engine are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{opts: opts, baseCtx: baseCtx, log: log, metrics: opts.Metrics}
}

// ── Request flow ────────────────────────────────────────────────────────────

// route describes one wire endpoint.
type route struct {
	name        string
	format      providers.Format
	countTokens bool
}

var (
	routeMessages     = route{"messages", providers.FormatMessages, false}
	routeCountTokens  = route{"messages_count_tokens", providers.FormatMessages, true}
	routeChat         = route{"chat_completions", providers.FormatChat, false}
	routeResponses    = route{"responses", providers.FormatResponses, false}
	routeInputTokens  = route{"responses_input_tokens", providers.FormatResponses, true}
	routeGemini       = route{"gemini", providers.FormatGemini, false}
	routeGeminiTokens = route{"gemini_count_tokens", providers.FormatGemini, true}
)

// styleFor returns the error envelope of f.
func styleFor(f providers.Format) apierr.Style {
	if f == providers.FormatMessages {
		return apierr.StyleAnthropic
	}
	return apierr.StyleOpenAI
}

func (g *Gateway) handler(rt route) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) { g.serve(ctx, rt) }
}

func (g *Gateway) handleGemini(ctx *fasthttp.RequestCtx) {
	if wire.IsPassThrough(string(ctx.Path())) {
		g.serve(ctx, routeGeminiTokens)
		return
	}
	g.serve(ctx, routeGemini)
}

// serve is the core handler shared by every wire endpoint.
func (g *Gateway) serve(ctx *fasthttp.RequestCtx, rt route) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	style := styleFor(rt.format)
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(rt.name, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	body := bytes.Clone(ctx.PostBody())

	// 1. Validate.
	var pathModel, action string
	pathStream := false
	if rt.format == providers.FormatGemini {
		target, _ := ctx.UserValue("target").(string)
		m, a, ok := wire.ParseGeminiTarget(target)
		if !ok {
			apierr.WriteStyle(ctx, style, fasthttp.StatusBadRequest,
				"path must be /v1beta/models/{model}:{action}",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		pathModel, action = m, a
		pathStream = a == "streamGenerateContent"
	}

	req, err := wire.Parse(rt.format, body, pathModel, pathStream)
	if err != nil {
		apierr.WriteStyle(ctx, style, fasthttp.StatusBadRequest,
			"request body must be a JSON object", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.WriteStyle(ctx, style, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Build the session.
	s := session.New(g.baseCtx, reqID, requestHeaders(&ctx.Request.Header), body)
	s.Method = string(ctx.Method())
	s.Path = string(ctx.Path())
	s.RawQuery = string(ctx.URI().QueryString())
	s.Format = rt.format
	s.GeminiAction = action
	s.Request = req
	s.OriginalModel = req.Model
	s.PeerClosed = peerClosed(ctx.Conn())
	ctx.Response.Header.Set(relayIDHeader, s.ID)

	g.log.DebugContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", rt.name),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 3. Guard.
	pipe := g.opts.Full
	if rt.countTokens {
		pipe = g.opts.CountTokens
	}
	if resp := pipe.Run(s.Context(), s); resp != nil {
		writeGuardResponse(ctx, style, resp)
		g.record(s, resp.Status)
		s.Cancel(nil)
		return
	}

	// 4. Concurrency lease. Tracker failures degrade to an untracked request.
	lease := g.acquire(s)
	finished := false
	defer func() {
		// A panic below still releases the lease; recovery writes the 500.
		if !finished && !streaming {
			g.finish(s, lease, fasthttp.StatusInternalServerError, zeroUsage, rt)
		}
	}()

	// 5. Forward.
	resp, err := g.opts.Engine.Forward(s.Context(), s)
	if err != nil {
		status := g.writeForwardError(ctx, style, s, err)
		finished = true
		g.finish(s, lease, status, zeroUsage, rt)
		return
	}

	// 6. Dispatch.
	if resp.Streaming() {
		streaming = true
		g.stream(ctx, s, resp, lease, rt, start, reqBytes)
		return
	}
	writeUpstream(ctx, resp.StatusCode, resp.Header, resp.Body)
	finished = true
	g.finish(s, lease, resp.StatusCode, wire.ExtractUsage(rt.format, resp.Body), rt)
}

func (g *Gateway) acquire(s *session.Session) *concurrency.Lease {
	if g.opts.Tracker == nil || s.Provider == nil {
		return nil
	}
	scopes := []string{concurrency.ProviderScope(s.Provider.ID)}
	if s.Auth != nil {
		scopes = append(scopes, concurrency.KeyScope(s.Auth.KeyID))
	}
	lease, err := concurrency.Acquire(s.Context(), g.opts.Tracker, s.SessionID, scopes...)
	if err != nil {
		g.log.Warn("concurrency_acquire_failed",
			slog.String("request_id", s.RequestID),
			slog.String("session_id", s.SessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if lease != nil && g.metrics != nil {
		g.metrics.IncActiveSessions()
	}
	return lease
}

// requestHeaders copies the inbound fasthttp headers.
func requestHeaders(h *fasthttp.RequestHeader) http.Header {
	out := make(http.Header)
	h.VisitAll(func(k, v []byte) {
		out.Add(string(k), string(v))
	})
	return out
}
