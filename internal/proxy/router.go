package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ServerOptions tunes the HTTP server.
type ServerOptions struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxRequestBodySize int
	ShutdownTimeout    time.Duration
}

// Handler returns the routed handler wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handler(routeMessages))
	r.POST("/v1/messages/count_tokens", g.handler(routeCountTokens))
	r.POST("/v1/chat/completions", g.handler(routeChat))
	r.POST("/v1/responses", g.handler(routeResponses))
	r.POST("/v1/responses/input_tokens", g.handler(routeInputTokens))
	r.POST("/v1beta/models/{target}", g.handleGemini)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	r.GET("/api/requests/{id}/chain", g.admin(g.handleChain))
	r.GET("/api/circuits", g.admin(g.handleCircuits))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.opts.CORSOrigins),
		securityHeaders,
	)
}

// Serve runs the HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully so open streams can finish.
func (g *Gateway) Serve(ctx context.Context, addr string, so ServerOptions) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "llm-relay",
		ReadTimeout:        so.ReadTimeout,
		WriteTimeout:       so.WriteTimeout,
		IdleTimeout:        so.IdleTimeout,
		MaxRequestBodySize: so.MaxRequestBodySize,
		Logger:             fasthttpLogger{g.log},
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := so.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return srv.ShutdownWithContext(shutCtx)
}

// ── Operational routes ──────────────────────────────────────────────────────

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.opts.Health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": g.opts.Version})
		return
	}
	writeJSON(ctx, g.opts.Health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.opts.Health == nil || g.opts.Health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (g *Gateway) handleChain(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if g.opts.Audit == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "chain audit disabled", apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	rec, ok := g.opts.Audit.Get(id)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "no chain recorded for request "+id,
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	writeJSON(ctx, rec)
}

func (g *Gateway) handleCircuits(ctx *fasthttp.RequestCtx) {
	out := make(map[string]map[string]circuit.Snapshot, len(g.opts.Circuits))
	for scope, l := range g.opts.Circuits {
		out[scope] = l.Snapshots()
	}
	writeJSON(ctx, out)
}

// admin guards h with the configured bearer token. Without a token the
// routes are open.
func (g *Gateway) admin(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	want := []byte(g.opts.AdminToken)
	if len(want) == 0 {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		got := []byte(parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "invalid admin token",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
		h(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
