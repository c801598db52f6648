package upstream

import (
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// DefaultAnthropicVersion is sent to claude providers when the client did not
// pick one.
const DefaultAnthropicVersion = "2023-06-01"

// dropped lists client headers never forwarded upstream: hop-by-hop headers,
// the client's own credentials and headers net/http recomputes.
var dropped = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
	"Accept-Encoding":     {},
	"Authorization":       {},
	"X-Api-Key":           {},
	"X-Goog-Api-Key":      {},
	"Cookie":              {},
	"X-Forwarded-For":     {},
	"X-Real-Ip":           {},
	"X-Session-Id":        {},
}

// CleanHeaders returns a copy of in without the headers that must not reach
// the upstream.
func CleanHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := dropped[ck]; skip {
			continue
		}
		out[ck] = append([]string(nil), v...)
	}
	return out
}

// SetAuth sets the provider credential in the header style of its type.
func SetAuth(h http.Header, typ providers.Type, apiKey string) {
	switch typ {
	case providers.TypeClaude:
		h.Set("X-Api-Key", apiKey)
		if h.Get("Anthropic-Version") == "" {
			h.Set("Anthropic-Version", DefaultAnthropicVersion)
		}
	case providers.TypeGemini:
		h.Set("X-Goog-Api-Key", apiKey)
	default:
		h.Set("Authorization", "Bearer "+apiKey)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
}

// JoinURL appends path and query to base. A version prefix present at the
// end of base ("/v1", "/v1beta") is not repeated.
func JoinURL(base, path, rawQuery string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	for _, ver := range []string{"/v1beta", "/v1"} {
		if strings.HasSuffix(base, ver) && (path == ver || strings.HasPrefix(path, ver+"/")) {
			path = strings.TrimPrefix(path, ver)
			break
		}
	}

	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// StripQueryKey removes the "key" parameter, used by Gemini clients to pass
// their relay key, from a raw query string.
func StripQueryKey(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "key" || strings.HasPrefix(p, "key=") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
