package apierr

import (
	"testing"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

func TestBody_Envelopes(t *testing.T) {
	oa := Body(StyleOpenAI, 429, "slow down", TypeRateLimitError, CodeRateLimitExceeded)
	if gjson.GetBytes(oa, "error.type").String() != TypeRateLimitError ||
		gjson.GetBytes(oa, "error.code").String() != CodeRateLimitExceeded ||
		gjson.GetBytes(oa, "type").Exists() {
		t.Errorf("openai envelope = %s", oa)
	}

	an := Body(StyleAnthropic, 400, "bad", TypeInvalidRequest, CodeClientVersionTooOld)
	if gjson.GetBytes(an, "type").String() != "error" ||
		gjson.GetBytes(an, "error.type").String() != "invalid_request_error" ||
		gjson.GetBytes(an, "error.code").String() != CodeClientVersionTooOld ||
		gjson.GetBytes(an, "error.message").String() != "bad" {
		t.Errorf("anthropic envelope = %s", an)
	}
}

func TestWriteStyle_RetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, StyleOpenAI, "rate limit exceeded")
	if ctx.Response.StatusCode() != 429 || string(ctx.Response.Header.Peek("Retry-After")) != "60" {
		t.Errorf("status %d retry-after %q", ctx.Response.StatusCode(), ctx.Response.Header.Peek("Retry-After"))
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("content type = %s", ctx.Response.Header.ContentType())
	}
}

func TestWriteProviderError(t *testing.T) {
	tests := []struct {
		upstream int
		want     int
	}{
		{429, 429},
		{500, 502},
		{503, 502},
		{418, 502},
	}
	for _, tt := range tests {
		var ctx fasthttp.RequestCtx
		WriteProviderError(&ctx, StyleAnthropic, tt.upstream, "x")
		if got := ctx.Response.StatusCode(); got != tt.want {
			t.Errorf("upstream %d → %d, want %d", tt.upstream, got, tt.want)
		}
	}
}

func TestTypeMapping(t *testing.T) {
	tests := []struct {
		status    int
		openai    string
		anthropic string
	}{
		{400, TypeInvalidRequest, "invalid_request_error"},
		{401, TypeAuthenticationErr, "authentication_error"},
		{403, TypePermissionError, "permission_error"},
		{429, TypeRateLimitError, "rate_limit_error"},
		{502, TypeProviderError, "api_error"},
		{504, TypeProviderError, "timeout_error"},
		{500, TypeServerError, "api_error"},
	}
	for _, tt := range tests {
		if got := TypeFor(tt.status); got != tt.openai {
			t.Errorf("TypeFor(%d) = %s", tt.status, got)
		}
		if got := AnthropicType(tt.status); got != tt.anthropic {
			t.Errorf("AnthropicType(%d) = %s", tt.status, got)
		}
	}
}
