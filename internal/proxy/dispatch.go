package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/concurrency"
	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/forward"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/internal/wire"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// StatusClientClosedRequest is recorded when the client went away before the
// answer was complete. It never reaches the client.
const StatusClientClosedRequest = 499

const streamChunk = 32 << 10

var zeroUsage pricing.Usage

// skippedResponse lists upstream headers not copied to the client.
var skippedResponse = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Upgrade":           {},
	"Trailer":           {},
	"Te":                {},
	"Set-Cookie":        {},
	relayIDHeader:       {},
	"X-Request-Id":      {},
}

// writeUpstream copies status, filtered headers and body to the client.
func writeUpstream(ctx *fasthttp.RequestCtx, status int, h http.Header, body []byte) {
	copyHeaders(ctx, h)
	ctx.SetStatusCode(status)
	if body != nil {
		ctx.SetBody(body)
	}
}

func copyHeaders(ctx *fasthttp.RequestCtx, h http.Header) {
	for k, vs := range h {
		if _, skip := skippedResponse[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for i, v := range vs {
			if i == 0 {
				ctx.Response.Header.Set(k, v)
			} else {
				ctx.Response.Header.Add(k, v)
			}
		}
	}
}

func writeGuardResponse(ctx *fasthttp.RequestCtx, style apierr.Style, resp *guard.Response) {
	if resp.Body != nil {
		ct := resp.ContentType
		if ct == "" {
			ct = "application/json"
		}
		ctx.SetStatusCode(resp.Status)
		ctx.SetContentType(ct)
		ctx.SetBody(resp.Body)
		return
	}
	apierr.WriteStyle(ctx, style, resp.Status, resp.Message, apierr.TypeFor(resp.Status), resp.Code)
}

// writeForwardError renders an engine failure and returns the status recorded
// for the request.
//
//	no provider                 → 503 no_available_provider
//	client error (error rule)   → upstream status and body passed through
//	client abort                → 499, nothing useful reaches the client
//	phase timeout               → 504 request_timeout
//	transport failure           → 502 system_error
//	upstream error status       → 429 stays 429, anything else 502 provider_error
func (g *Gateway) writeForwardError(ctx *fasthttp.RequestCtx, style apierr.Style, s *session.Session, err error) int {
	g.log.Warn("forward_failed",
		slog.String("request_id", s.RequestID),
		slog.Int("attempts", s.Chain.Len()),
		slog.String("error", err.Error()),
	)

	if errors.Is(err, forward.ErrNoProvider) {
		apierr.WriteStyle(ctx, style, fasthttp.StatusServiceUnavailable,
			"no available provider", apierr.TypeServerError, apierr.CodeNoAvailableProvider)
		return fasthttp.StatusServiceUnavailable
	}

	var fe *forward.Error
	if !errors.As(err, &fe) {
		apierr.WriteStyle(ctx, style, fasthttp.StatusInternalServerError,
			"internal error", apierr.TypeServerError, apierr.CodeInternalError)
		return fasthttp.StatusInternalServerError
	}

	switch {
	case fe.Category == failure.ClientNonRetryable && fe.StatusCode >= 400:
		writeUpstream(ctx, fe.StatusCode, fe.Header, fe.Body)
		return fe.StatusCode

	case fe.Category == failure.ClientAbort:
		apierr.WriteStyle(ctx, style, StatusClientClosedRequest,
			"client closed request", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return StatusClientClosedRequest

	case fe.Timeout():
		apierr.WriteTimeout(ctx, style)
		return fasthttp.StatusGatewayTimeout

	case fe.Category == failure.System:
		apierr.WriteStyle(ctx, style, fasthttp.StatusBadGateway,
			fmt.Sprintf("upstream unreachable after %d attempt(s)", fe.Attempts),
			apierr.TypeProviderError, apierr.CodeSystemError)
		return fasthttp.StatusBadGateway

	case fe.Category == failure.ConcurrentLimit:
		apierr.WriteStyle(ctx, style, fasthttp.StatusTooManyRequests,
			"provider concurrency limit reached", apierr.TypeRateLimitError, apierr.CodeConcurrentLimit)
		return fasthttp.StatusTooManyRequests
	}

	msg := fmt.Sprintf("upstream returned %d after %d attempt(s)", fe.StatusCode, fe.Attempts)
	apierr.WriteProviderError(ctx, style, fe.StatusCode, msg)
	return ctx.Response.StatusCode()
}

// ── Streaming ───────────────────────────────────────────────────────────────

// stream tees the upstream body to the client and to a usage scanner. A
// client write failure cancels the upstream call. Finalisation runs when
// the stream ends, whichever side ends it.
func (g *Gateway) stream(
	ctx *fasthttp.RequestCtx,
	s *session.Session,
	resp *upstream.Response,
	lease *concurrency.Lease,
	rt route,
	start time.Time,
	reqBytes int,
) {
	copyHeaders(ctx, resp.Header)
	if len(ctx.Response.Header.ContentType()) == 0 {
		ctx.SetContentType("text/event-stream")
	}
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(resp.StatusCode)
	style := styleFor(rt.format)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		scanner := wire.NewUsageScanner(rt.format)
		status := resp.StatusCode

		defer func() {
			if rec := recover(); rec != nil {
				g.log.Error("stream_writer_panic",
					slog.String("request_id", s.RequestID),
					slog.Any("panic", rec),
				)
				status = fasthttp.StatusInternalServerError
			}
			_ = resp.Stream.Close()
			g.finish(s, lease, status, scanner.Usage(), rt)
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(rt.name, status, time.Since(start), reqBytes)
			}
		}()

		buf := make([]byte, streamChunk)
		for {
			n, rerr := resp.Stream.Read(buf)
			if n > 0 {
				_, _ = scanner.Write(buf[:n])
				_, werr := w.Write(buf[:n])
				if werr == nil {
					werr = w.Flush()
				}
				if werr != nil {
					s.Cancel(failure.ErrClientAbort)
					status = StatusClientClosedRequest
					g.log.Info("client_disconnected",
						slog.String("request_id", s.RequestID),
						slog.Int("events", scanner.Events()),
					)
					return
				}
			}
			if rerr == nil {
				continue
			}
			if !errors.Is(rerr, io.EOF) {
				g.log.Warn("upstream_stream_failed",
					slog.String("request_id", s.RequestID),
					slog.Int("events", scanner.Events()),
					slog.String("error", rerr.Error()),
				)
				status = fasthttp.StatusBadGateway
				code := apierr.CodeProviderError
				if failure.IsTimeout(rerr) {
					status, code = fasthttp.StatusGatewayTimeout, apierr.CodeRequestTimeout
				}
				writeStreamError(w, style, status, code, "upstream stream interrupted")
			}
			return
		}
	})
}

// writeStreamError appends a terminal SSE error event in the envelope of
// style.
func writeStreamError(w *bufio.Writer, style apierr.Style, status int, code, msg string) {
	body := apierr.Body(style, status, msg, apierr.TypeFor(status), code)
	if style == apierr.StyleAnthropic {
		_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
	} else {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
	}
	_ = w.Flush()
}

// ── Finalisation ────────────────────────────────────────────────────────────

// finish releases the lease, bills a successful answer, records the chain
// and enqueues the usage record. It runs exactly once per forwarded request.
func (g *Gateway) finish(s *session.Session, lease *concurrency.Lease, status int, u pricing.Usage, rt route) {
	defer s.Cancel(nil)
	ctx := context.WithoutCancel(s.Context())

	if lease != nil {
		if err := lease.Release(ctx); err != nil {
			g.log.Warn("concurrency_release_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		}
		if g.metrics != nil {
			g.metrics.DecActiveSessions()
		}
	}

	p := s.Provider
	rec := usage.Record{
		RequestID:          s.RequestID,
		SessionID:          s.SessionID,
		Format:             string(rt.format),
		Model:              s.OriginalModel,
		StatusCode:         status,
		Attempts:           s.Chain.Len(),
		Stream:             s.Request.Stream,
		InputTokens:        u.InputTokens,
		OutputTokens:       u.OutputTokens,
		CacheWrite5mTokens: u.CacheWrite5mTokens,
		CacheWrite1hTokens: u.CacheWrite1hTokens,
		CacheReadTokens:    u.CacheReadTokens,
		LatencyMs:          s.Elapsed().Milliseconds(),
	}
	if last, ok := s.Chain.Last(); ok {
		rec.Reason = string(last.Reason)
	}
	if s.Auth != nil {
		rec.KeyID, rec.UserID = s.Auth.KeyID, s.Auth.UserID
	}
	if p != nil {
		rec.ProviderID, rec.Provider = p.ID, p.Name
		if g.metrics != nil {
			g.metrics.AddTokens(p.Name, string(rt.format), u.InputTokens, u.OutputTokens)
		}
	}

	if p != nil && status < 400 && g.opts.Billing != nil {
		res, err := g.opts.Billing.Resolve(ctx, s)
		if err != nil {
			g.log.Warn("billing_resolve_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		} else {
			rec.BilledModel = res.Model
			rec.CostUSD = pricing.Cost(res.Price, u, p.CostMultiplier)
			g.recordSpend(ctx, s, p, rec.CostUSD.InexactFloat64())
		}
	}

	g.record(s, status)
	if g.opts.Usage != nil {
		g.opts.Usage.Log(rec)
	}
}

func (g *Gateway) recordSpend(ctx context.Context, s *session.Session, p *providers.Provider, usd float64) {
	if usd <= 0 || g.opts.Spend == nil {
		return
	}
	type target struct {
		label, scope string
		limits       providers.Limits
	}
	targets := []target{{"provider", concurrency.ProviderScope(p.ID), p.Limits}}
	if a := s.Auth; a != nil {
		targets = append(targets,
			target{"key", concurrency.KeyScope(a.KeyID), a.Limits},
			target{"user", "user:" + strconv.FormatInt(a.UserID, 10), a.Limits},
		)
	}
	for _, t := range targets {
		if err := g.opts.Spend.Record(ctx, t.scope, t.limits, usd); err != nil {
			g.log.Warn("spend_record_failed",
				slog.String("request_id", s.RequestID),
				slog.String("scope", t.scope),
				slog.String("error", err.Error()),
			)
			continue
		}
		if g.metrics != nil {
			g.metrics.AddSpend(t.label, usd)
		}
	}
}

func (g *Gateway) record(s *session.Session, status int) {
	if g.opts.Audit != nil {
		g.opts.Audit.Record(s, status)
	}
}
