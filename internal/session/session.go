// Package session models one inbound call as it travels through the guard
// pipeline, the forwarding engine and the response dispatcher.
//
// A Session is created by the proxy for every request and is owned by that
// request's goroutine, except for Chain and the billing slot, which are safe
// for concurrent use.
package session

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/wire"
)

// Auth is the authenticated API key of a request.
type Auth struct {
	KeyID          int64
	KeyName        string
	UserID         int64
	Enabled        bool
	ExpiresAt      time.Time // zero = never
	AllowedClients []string  // User-Agent patterns; empty = any
	AllowedModels  []string  // empty = any
	Limits         providers.Limits
}

// Expired reports whether the key has passed its expiry at now.
func (a *Auth) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// Billing is the resolved price of a request.
type Billing struct {
	Price  *pricing.Record
	Source string // "original" | "redirected"
	Model  string // the model name whose price was used
}

// Target is one upstream address the engine may call.
type Target struct {
	EndpointID *int64 // nil when the provider base URL is used directly
	URL        string
}

// Session is the per-request state shared by the relay stages.
type Session struct {
	// ID is generated by the relay and unique per Session. It keys
	// per-request shared state (billing single-flight, chain audit).
	ID string
	// RequestID is the X-Request-ID of the call. Clients may choose it, so
	// it only correlates logs and usage records.
	RequestID string
	StartTime time.Time

	Method   string
	Path     string
	RawQuery string
	Format   providers.Format
	// GeminiAction is the ":action" suffix of a Gemini path.
	GeminiAction string

	Headers         http.Header
	OriginalHeaders http.Header

	Body    []byte
	Request wire.Request

	Auth *Auth

	SessionID string
	Sequence  int64

	OriginalModel   string
	RedirectedModel string

	Provider  *providers.Provider
	Endpoints []Target
	Decision  *DecisionContext

	Chain *Chain

	IsProbe  bool
	IsWarmup bool

	// PeerClosed, when set, reports whether the client connection has gone
	// away. The engine consults it between attempts.
	PeerClosed func() bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	billingMu sync.Mutex
	billing   *Billing
}

// New creates a Session whose context derives from parent.
func New(parent context.Context, requestID string, headers http.Header, body []byte) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	if headers == nil {
		headers = http.Header{}
	}
	return &Session{
		ID:              uuid.NewString(),
		RequestID:       requestID,
		StartTime:       time.Now(),
		Headers:         headers,
		OriginalHeaders: headers.Clone(),
		Body:            body,
		Chain:           &Chain{},
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Context returns the request context. It is cancelled when the client goes
// away or Cancel is called.
func (s *Session) Context() context.Context { return s.ctx }

// ClientGone reports whether the client is known to have disconnected.
func (s *Session) ClientGone() bool {
	return s.PeerClosed != nil && s.PeerClosed()
}

// Cancel aborts the request with cause. Safe to call more than once.
func (s *Session) Cancel(cause error) { s.cancel(cause) }

// HeadersChanged reports whether the working headers differ from the
// snapshot taken when the session was created.
func (s *Session) HeadersChanged() bool {
	return !maps.EqualFunc(s.Headers, s.OriginalHeaders, slices.Equal[[]string])
}

// Model returns the model sent upstream: the redirect if any, else the
// original.
func (s *Session) Model() string {
	if s.RedirectedModel != "" {
		return s.RedirectedModel
	}
	return s.OriginalModel
}

// Billing returns the cached billing resolution, if any.
func (s *Session) Billing() (*Billing, bool) {
	s.billingMu.Lock()
	defer s.billingMu.Unlock()
	return s.billing, s.billing != nil
}

// SetBilling caches the billing resolution for the rest of the request.
func (s *Session) SetBilling(b *Billing) {
	s.billingMu.Lock()
	s.billing = b
	s.billingMu.Unlock()
}

// Elapsed returns the time since the session started.
func (s *Session) Elapsed() time.Duration { return time.Since(s.StartTime) }
