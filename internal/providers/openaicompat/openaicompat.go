// Package openaicompat probes OpenAI-shaped upstreams (codex and any
// openai-compatible service: xAI, Groq, DeepSeek, Together AI, …) with the
// official OpenAI SDK.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Checker implements providers.Checker for the codex and openai-compatible
// provider types.
type Checker struct {
	name       string
	httpClient *http.Client
}

var _ providers.Checker = (*Checker)(nil)

// NewChecker creates a Checker. name prefixes its errors.
func NewChecker(name string, hc *http.Client) *Checker {
	if hc == nil {
		hc = &http.Client{Timeout: providers.ProbeTimeout}
	}
	return &Checker{name: name, httpClient: hc}
}

// Check lists models (GET /v1/models).
func (c *Checker) Check(ctx context.Context, baseURL, apiKey string) (int, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(sdkBaseURL(baseURL)))
	}
	client := openaiSDK.NewClient(opts...)

	if _, err := client.Models.List(ctx); err != nil {
		perr := c.toProviderError(err)
		return providers.StatusOf(perr), fmt.Errorf("%s: check: %w", c.name, perr)
	}
	return http.StatusOK, nil
}

// sdkBaseURL appends /v1 when missing: the SDK paths are relative to it.
func sdkBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u + "/"
}

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (c *Checker) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Name:       c.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
