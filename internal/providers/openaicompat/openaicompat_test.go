package openaicompat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChecker_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-5-codex","object":"model","created":0,"owned_by":"openai"}]}`))
	}))
	defer srv.Close()

	code, err := NewChecker("codex", nil).Check(context.Background(), srv.URL, "sk-test")
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if code != http.StatusOK {
		t.Errorf("code = %d", code)
	}
}

func TestChecker_ReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"forbidden","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	code, err := NewChecker("groq", nil).Check(context.Background(), srv.URL+"/v1", "k")
	if err == nil {
		t.Fatal("expected error")
	}
	if code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", code)
	}
	if !strings.Contains(err.Error(), "groq") {
		t.Errorf("error should carry the checker name: %v", err)
	}
}

func TestSDKBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://api.openai.com":    "https://api.openai.com/v1/",
		"https://api.openai.com/v1": "https://api.openai.com/v1/",
		"https://api.x.ai/v1/":      "https://api.x.ai/v1/",
		"https://gw.local/openai":   "https://gw.local/openai/v1/",
	}
	for in, want := range tests {
		if got := sdkBaseURL(in); got != want {
			t.Errorf("sdkBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
