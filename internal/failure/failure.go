// Package failure defines the closed failure taxonomy shared by the guard
// pipeline, the forwarding engine and the audit chain.
//
// Classify is pure: it maps a raw transport / HTTP signal to a Category
// without touching the network, so retry decisions can be driven directly
// from tests.
package failure

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Category is one member of the closed failure set.
type Category int

const (
	// None means the attempt succeeded.
	None Category = iota

	// Validation: malformed or unsupported request body. Never retried.
	Validation

	// ClientNonRetryable: authenticated but disallowed, or an upstream
	// client error matched by an error rule. Short-circuits.
	ClientNonRetryable

	// System: transport/connection-level failure reaching the endpoint.
	// Retryable; advances the endpoint cursor.
	System

	// Provider: the endpoint was reached but answered with an error status.
	// Retryable; sticky on the same endpoint.
	Provider

	// ConcurrentLimit: the session exceeded its allowed concurrency.
	ConcurrentLimit

	// RateLimit: an RPM or USD ceiling was exceeded.
	RateLimit

	// ClientAbort: the client went away; the retry loop stops.
	ClientAbort
)

var categoryNames = map[Category]string{
	None:               "none",
	Validation:         "validation",
	ClientNonRetryable: "client_non_retryable",
	System:             "system",
	Provider:           "provider",
	ConcurrentLimit:    "concurrent_limit",
	RateLimit:          "rate_limit",
	ClientAbort:        "client_abort",
}

// String returns the snake_case label used in logs, metrics and audit records.
func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// MarshalText lets Category serialize as its label in JSON.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Retryable reports whether the forwarding engine may try again after c.
func (c Category) Retryable() bool {
	return c == System || c == Provider
}

// Sentinel causes set by the upstream client when a phase timeout fires.
var (
	ErrFirstByteTimeout = errors.New("upstream: first byte timeout")
	ErrIdleTimeout      = errors.New("upstream: streaming idle timeout")
	ErrTotalTimeout     = errors.New("upstream: request timeout")
	ErrClientAbort      = errors.New("client aborted request")
)

// Signal is the raw outcome of one upstream attempt.
type Signal struct {
	// Err is the transport error, if the call did not produce a response.
	Err error
	// StatusCode is the upstream HTTP status (0 if none was received).
	StatusCode int
	// Body is a bounded prefix of the upstream error body.
	Body []byte
	// Rules marks upstream error bodies that must not be retried.
	Rules *Rules
}

// Classify maps an attempt signal to its Category.
//
//	client cancellation                 → ClientAbort
//	transport error (refused/reset/DNS/timeout) → System
//	status ≥ 400 matching an error rule → ClientNonRetryable
//	status ≥ 400                        → Provider
//	anything else that is not a success → Provider (conservative sticky retry)
func Classify(sig Signal) Category {
	if sig.Err != nil {
		if errors.Is(sig.Err, ErrClientAbort) || errors.Is(sig.Err, context.Canceled) {
			return ClientAbort
		}
		if isTransport(sig.Err) {
			return System
		}
		if sig.StatusCode == 0 {
			return Provider
		}
	}

	if sig.StatusCode >= 400 {
		if sig.Rules.Matches(string(sig.Body)) {
			return ClientNonRetryable
		}
		return Provider
	}

	if sig.Err != nil {
		return Provider
	}
	return None
}

// IsTimeout reports whether err is a timeout-class system failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFirstByteTimeout) || errors.Is(err, ErrIdleTimeout) ||
		errors.Is(err, ErrTotalTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTransport(err error) bool {
	if IsTimeout(err) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// net/http wraps every dial/read failure in *url.Error; anything that
		// reaches us that way never produced a response.
		return true
	}
	return false
}
