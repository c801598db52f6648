package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// newAnthropicHandler returns an http.Handler that simulates the Anthropic API.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if injectFault(w, cfg, req.Stream, writeAnthropicError) {
			return
		}

		model := orDefault(req.Model, "claude-sonnet-4")
		id := fmt.Sprintf("msg_%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens, outTokens := 15, cfg.StreamWords

		if req.Stream {
			serveAnthropicStream(w, cfg, id, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]string{{"type": "text", "text": content}},
			"usage": map[string]int{
				"input_tokens":                inTokens,
				"output_tokens":               outTokens,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     0,
			},
		})
	})

	mux.HandleFunc("POST /v1/messages/count_tokens", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if injectFault(w, cfg, false, writeAnthropicError) {
			return
		}
		// Mirrors the upstream limit so error rules can be exercised.
		if bytes.Contains(body, []byte("MOCK_PROMPT_TOO_LONG")) {
			writeAnthropicError(w, http.StatusBadRequest, "prompt is too long: 300000 tokens > 200000 maximum")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"input_tokens": estimateTokens(body)})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC().Format(time.RFC3339)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"type": "model", "id": "claude-sonnet-4", "display_name": "Claude Sonnet 4", "created_at": now},
				{"type": "model", "id": "claude-haiku-4", "display_name": "Claude Haiku 4", "created_at": now},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4",
			"last_id":  "claude-haiku-4",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg string) {
	typ := "api_error"
	switch {
	case status == 529 || status == http.StatusServiceUnavailable:
		typ = "overloaded_error"
	case status == http.StatusTooManyRequests:
		typ = "rate_limit_error"
	case status == http.StatusNotFound:
		typ = "not_found_error"
	case status < 500:
		typ = "invalid_request_error"
	}
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// serveAnthropicStream writes SSE events in the Anthropic streaming format.
func serveAnthropicStream(w http.ResponseWriter, cfg Config, id, model, content string, inTokens, outTokens int) {
	s := newSSE(w, cfg)

	s.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": inTokens, "output_tokens": 1},
		},
	})
	s.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	s.event("ping", map[string]string{"type": "ping"})

	if !s.words(content, func(word string) {
		s.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word},
		})
	}) {
		return
	}

	s.event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	s.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	s.event("message_stop", map[string]string{"type": "message_stop"})
}
