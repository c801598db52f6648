// Package gemini probes Google Gemini upstreams with the official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultAPIVersion = "v1beta"
)

// Checker implements providers.Checker for the gemini provider type.
type Checker struct {
	httpClient *http.Client
}

var _ providers.Checker = (*Checker)(nil)

// NewChecker creates a Checker. A nil client uses one bounded by
// providers.ProbeTimeout.
func NewChecker(hc *http.Client) *Checker {
	if hc == nil {
		hc = &http.Client{Timeout: providers.ProbeTimeout}
	}
	return &Checker{httpClient: hc}
}

// Check lists one model (GET /{version}/models?pageSize=1). A version
// segment at the end of baseURL overrides v1beta.
func (c *Checker) Check(ctx context.Context, baseURL, apiKey string) (int, error) {
	base, ver := sdkEndpoint(baseURL)
	if ver == "" {
		ver = defaultAPIVersion
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return 0, fmt.Errorf("gemini: client: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		perr := toProviderError(err)
		return providers.StatusOf(perr), fmt.Errorf("gemini: check: %w", perr)
	}
	return http.StatusOK, nil
}

// sdkEndpoint splits raw into the SDK base URL (always "/"-terminated) and a
// trailing API version segment such as "v1" or "v1beta", if present.
func sdkEndpoint(raw string) (base, version string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = defaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/") + "/", ""
	}

	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if n := len(segs); n > 0 && isAPIVersion(segs[n-1]) {
		version = segs[n-1]
		segs = segs[:n-1]
	}

	u.Path, u.RawPath = "/", ""
	if len(segs) > 0 {
		u.Path = "/" + strings.Join(segs, "/") + "/"
	}
	return u.String(), version
}

func isAPIVersion(s string) bool {
	return len(s) > 1 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
	Status     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Status)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message, Status: apiErr.Status}
	}
	return err
}
