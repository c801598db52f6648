package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google Gemini API.
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/models           (list models, used by the checker)
//
// where {base} is /v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		var stream bool
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if injectFault(w, cfg, stream, writeGeminiError) {
			return
		}
		handleGeminiGenerate(w, cfg, model, stream)
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro"},
				{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func geminiChunk(id, model, text, finish string, inTokens, outTokens int) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]string{{"text": text}},
		},
		"index": 0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	return map[string]any{
		"candidates": []any{candidate},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"responseId":   id,
		"modelVersion": model,
	}
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens, outTokens := 10, cfg.StreamWords

	if !stream {
		writeJSON(w, http.StatusOK, geminiChunk(id, model, content, "STOP", inTokens, outTokens))
		return
	}

	// Each chunk carries the running usage; the last one has finishReason.
	s := newSSE(w, cfg)
	n := 0
	if !s.words(content, func(word string) {
		n++
		s.event("", geminiChunk(id, model, word, "", inTokens, n))
	}) {
		return
	}
	s.event("", geminiChunk(id, model, "", "STOP", inTokens, outTokens))
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	st := "INTERNAL"
	switch {
	case status == http.StatusTooManyRequests:
		st = "RESOURCE_EXHAUSTED"
	case status == http.StatusServiceUnavailable:
		st = "UNAVAILABLE"
	case status == http.StatusNotFound:
		st = "NOT_FOUND"
	case status < 500:
		st = "INVALID_ARGUMENT"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": st},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.5-pro:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-pro"
}
