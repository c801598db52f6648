// Package apierr provides structured API error types and HTTP status mapping
// in the two envelopes the relay speaks: the Anthropic messages shape and the
// OpenAI shape used by every other format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants (OpenAI envelope).
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeSystemError         = "system_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeConcurrentLimit     = "concurrent_limit_exceeded"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeNoAvailableProvider = "no_available_provider"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeKeyDisabled         = "api_key_disabled"
	CodeKeyExpired          = "api_key_expired"
	CodeClientNotAllowed    = "client_not_allowed"
	CodeModelNotAllowed     = "model_not_allowed"
	CodeClientVersionTooOld = "client_version_too_old"
	CodeSensitiveContent    = "sensitive_content"
	CodeInternalError       = "internal_error"
	CodeNotFound            = "not_found"
)

// Style selects the error envelope.
type Style int

const (
	// StyleOpenAI is {"error":{"message","type","code"}}.
	StyleOpenAI Style = iota
	// StyleAnthropic is {"type":"error","error":{"type","message","code"}}.
	StyleAnthropic
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
	anthropicEnvelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Body renders an error envelope in style.
func Body(style Style, status int, message, errType, code string) []byte {
	var (
		body []byte
		err  error
	)
	if style == StyleAnthropic {
		body, err = json.Marshal(anthropicEnvelope{
			Type:  "error",
			Error: APIError{Message: message, Type: AnthropicType(status), Code: code},
		})
	} else {
		body, err = json.Marshal(envelope{Error: APIError{Message: message, Type: errType, Code: code}})
	}
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"server_error","code":"internal_error"}}`)
	}
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteStyle(ctx, StyleOpenAI, status, message, errType, code)
}

// WriteStyle writes the error in the given envelope style.
func WriteStyle(ctx *fasthttp.RequestCtx, style Style, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	if status == fasthttp.StatusTooManyRequests && len(ctx.Response.Header.Peek("Retry-After")) == 0 {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	ctx.SetBody(Body(style, status, message, errType, code))
}

// TypeFor maps a client-facing status to the OpenAI error type.
func TypeFor(status int) string {
	switch {
	case status == fasthttp.StatusUnauthorized:
		return TypeAuthenticationErr
	case status == fasthttp.StatusForbidden:
		return TypePermissionError
	case status == fasthttp.StatusTooManyRequests:
		return TypeRateLimitError
	case status >= 400 && status < 500:
		return TypeInvalidRequest
	case status == fasthttp.StatusBadGateway || status == fasthttp.StatusGatewayTimeout:
		return TypeProviderError
	}
	return TypeServerError
}

// AnthropicType maps a client-facing status to the Anthropic error type.
func AnthropicType(status int) string {
	switch status {
	case fasthttp.StatusBadRequest, fasthttp.StatusRequestEntityTooLarge, fasthttp.StatusUnprocessableEntity:
		return "invalid_request_error"
	case fasthttp.StatusUnauthorized:
		return "authentication_error"
	case fasthttp.StatusForbidden:
		return "permission_error"
	case fasthttp.StatusNotFound:
		return "not_found_error"
	case fasthttp.StatusTooManyRequests:
		return "rate_limit_error"
	case 529, fasthttp.StatusServiceUnavailable:
		return "overloaded_error"
	case fasthttp.StatusGatewayTimeout:
		return "timeout_error"
	}
	return "api_error"
}

// WriteProviderError maps a provider HTTP status to the appropriate relay status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, style Style, providerStatus int, msg string) {
	if providerStatus == fasthttp.StatusTooManyRequests {
		WriteStyle(ctx, style, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
		return
	}
	WriteStyle(ctx, style, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, style Style) {
	WriteStyle(ctx, style, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx, style Style, msg string) {
	WriteStyle(ctx, style, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}
