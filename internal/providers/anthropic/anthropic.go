// Package anthropic probes Claude upstreams with the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const defaultBaseURL = "https://api.anthropic.com"

// Checker implements providers.Checker for the claude provider type.
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

// Check lists one model (GET /v1/models?limit=1).
func (c *Checker) Check(ctx context.Context, baseURL, apiKey string) (int, error) {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(sdkBaseURL(baseURL)),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)
	_, err := client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		perr := toProviderError(err)
		return providers.StatusOf(perr), fmt.Errorf("anthropic: check: %w", perr)
	}
	return http.StatusOK, nil
}

// sdkBaseURL strips a trailing /v1: the SDK adds it to every path.
func sdkBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u == "" {
		return defaultBaseURL + "/"
	}
	return strings.TrimSuffix(u, "/v1") + "/"
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}
