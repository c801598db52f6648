package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// newOpenAIHandler returns an http.Handler that simulates the OpenAI API.
// Codex and OpenAI-compatible providers share the same wire format.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if injectFault(w, cfg, req.Stream, writeError) {
			return
		}

		model := orDefault(req.Model, "gpt-4o")
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens, outTokens := 10, cfg.StreamWords

		if req.Stream {
			serveChatStream(w, cfg, id, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if injectFault(w, cfg, req.Stream, writeError) {
			return
		}

		model := orDefault(req.Model, "gpt-5-codex")
		id := fmt.Sprintf("resp_mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens, outTokens := 12, cfg.StreamWords

		if req.Stream {
			serveResponsesStream(w, cfg, id, model, content, inTokens, outTokens)
			return
		}
		writeJSON(w, http.StatusOK, responseObject(id, model, content, "completed", inTokens, outTokens))
	})

	mux.HandleFunc("POST /v1/responses/input_tokens", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if injectFault(w, cfg, false, writeError) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object":       "response.input_tokens",
			"input_tokens": estimateTokens(body),
		})
	})

	// Models list (used by the checker)
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-5-codex", "object": "model", "created": 1750000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// serveChatStream writes an SSE stream of chat completion chunks. The last
// chunk before [DONE] carries usage, as with stream_options.include_usage.
func serveChatStream(w http.ResponseWriter, cfg Config, id, model, content string, inTokens, outTokens int) {
	s := newSSE(w, cfg)
	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
	}

	if !s.words(content, func(word string) {
		s.event("", chunk(map[string]string{"content": word}, nil))
	}) {
		return
	}

	final := chunk(map[string]string{}, "stop")
	final["usage"] = map[string]int{
		"prompt_tokens":     inTokens,
		"completion_tokens": outTokens,
		"total_tokens":      inTokens + outTokens,
	}
	s.event("", final)
	s.raw("data: [DONE]\n\n")
}

func responseObject(id, model, content, status string, inTokens, outTokens int) map[string]any {
	return map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     status,
		"model":      model,
		"output": []map[string]any{{
			"type":    "message",
			"id":      "msg_" + id,
			"role":    "assistant",
			"status":  status,
			"content": []map[string]any{{"type": "output_text", "text": content, "annotations": []any{}}},
		}},
		"usage": map[string]any{
			"input_tokens":  inTokens,
			"output_tokens": outTokens,
			"total_tokens":  inTokens + outTokens,
			"input_tokens_details": map[string]int{
				"cached_tokens": 0,
			},
		},
	}
}

// serveResponsesStream writes the typed event stream of the responses API.
func serveResponsesStream(w http.ResponseWriter, cfg Config, id, model, content string, inTokens, outTokens int) {
	s := newSSE(w, cfg)

	created := responseObject(id, model, "", "in_progress", 0, 0)
	s.event("response.created", map[string]any{"type": "response.created", "response": created})

	if !s.words(content, func(word string) {
		s.event("response.output_text.delta", map[string]any{
			"type":          "response.output_text.delta",
			"item_id":       "msg_" + id,
			"output_index":  0,
			"content_index": 0,
			"delta":         word,
		})
	}) {
		return
	}

	s.event("response.completed", map[string]any{
		"type":     "response.completed",
		"response": responseObject(id, model, content, "completed", inTokens, outTokens),
	})
}
