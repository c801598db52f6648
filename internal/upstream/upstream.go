// Package upstream performs the raw HTTP call of one forwarding attempt.
//
// Bodies are relayed byte-for-byte; the client only applies the per-phase
// timeouts of the provider and reports what happened. Any HTTP status is a
// Response; only calls that produced no response return an error.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const (
	// MaxErrorBody bounds how much of an error response is kept for
	// classification and pass-through.
	MaxErrorBody = 64 << 10
	// MaxBody bounds a buffered (non-streaming) success body.
	MaxBody = 32 << 20
)

// Request is one upstream call.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Stream   bool
	Timeouts providers.Timeouts
}

// Response is what the upstream answered.
//
// For buffered calls Body holds the full payload. For a successful streaming
// call Stream is set instead and the caller must Close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Streaming reports whether the response body is still on the wire.
func (r *Response) Streaming() bool { return r.Stream != nil }

// Err returns a *StatusError for status ≥ 400, nil otherwise.
func (r *Response) Err() error {
	if r.StatusCode < 400 {
		return nil
	}
	return &StatusError{StatusCode: r.StatusCode, Body: r.Body}
}

// StatusError is an upstream error status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200] + "…"
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, msg)
}

// HTTPStatus implements providers.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// TransportError means the call produced no (complete) response.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Doer is the contract the forwarding engine consumes.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client is the production Doer.
type Client struct {
	http *http.Client
}

var _ Doer = (*Client)(nil)

// Options tunes the shared transport.
type Options struct {
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// New creates a Client. No client-wide timeout is set; every phase timeout
// comes from the request.
func New(o Options) *Client {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 64
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 90 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: o.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        o.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost: o.MaxIdleConnsPerHost,
		IdleConnTimeout:     o.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bodies are relayed verbatim; let the client see the upstream encoding.
		DisableCompression: true,
	}
	return &Client{http: &http.Client{Transport: tr}}
}

// NewWithHTTPClient wraps an existing client (tests).
func NewWithHTTPClient(c *http.Client) *Client {
	return &Client{http: c}
}

// Do performs req.
//
// Buffered calls are bounded by Timeouts.NonStreamingTotal. Streaming calls
// are bounded by Timeouts.FirstByte until headers arrive and then by
// Timeouts.StreamingIdle between body reads.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	var phase *time.Timer
	switch {
	case req.Stream && req.Timeouts.FirstByte > 0:
		phase = time.AfterFunc(req.Timeouts.FirstByte, func() { cancel(failure.ErrFirstByteTimeout) })
	case !req.Stream && req.Timeouts.NonStreamingTotal > 0:
		phase = time.AfterFunc(req.Timeouts.NonStreamingTotal, func() { cancel(failure.ErrTotalTimeout) })
	}
	stop := func() {
		if phase != nil {
			phase.Stop()
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		stop()
		cancel(nil)
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = http.Header{}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(hreq.Header))

	resp, err := c.http.Do(hreq)
	if err != nil {
		stop()
		err = transportErr(ctx, req.URL, err)
		cancel(nil)
		return nil, err
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}

	if req.Stream && resp.StatusCode < 400 {
		stop()
		out.Stream = newIdleReader(ctx, cancel, resp.Body, req.Timeouts.StreamingIdle, req.URL)
		return out, nil
	}

	limit := int64(MaxBody)
	if resp.StatusCode >= 400 {
		limit = MaxErrorBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	_ = resp.Body.Close()
	stop()
	if err != nil {
		err = transportErr(ctx, req.URL, err)
		cancel(nil)
		return nil, err
	}
	cancel(nil)
	out.Body = body
	return out, nil
}

// transportErr replaces a cancellation error with the cause that triggered
// it, so phase timeouts and client aborts classify correctly.
func transportErr(ctx context.Context, url string, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return &TransportError{URL: url, Err: err}
}

// ── Streaming ───────────────────────────────────────────────────────────────

// idleReader cancels the call when no bytes arrive for idle.
type idleReader struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	rc     io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	url    string
	once   sync.Once
}

func newIdleReader(ctx context.Context, cancel context.CancelCauseFunc, rc io.ReadCloser, idle time.Duration, url string) *idleReader {
	r := &idleReader{ctx: ctx, cancel: cancel, rc: rc, idle: idle, url: url}
	if idle > 0 {
		r.timer = time.AfterFunc(idle, func() { cancel(failure.ErrIdleTimeout) })
	}
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if r.timer != nil && n > 0 {
		r.timer.Reset(r.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, transportErr(r.ctx, r.url, err)
	}
	return n, err
}

func (r *idleReader) Close() error {
	var err error
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		err = r.rc.Close()
		r.cancel(nil)
	})
	return err
}
