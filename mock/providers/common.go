package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func roll(rate float64) bool {
	return rate > 0 && rand.Float64() < rate
}

// injectFault applies latency and the configured error behaviour. It returns
// true when it already answered the request.
func injectFault(w http.ResponseWriter, cfg Config, stream bool, writeErr func(http.ResponseWriter, int, string)) bool {
	applyLatency(cfg)
	if roll(cfg.ErrorRate) {
		writeErr(w, cfg.ErrorStatus, "mock injected error")
		return true
	}
	if stream && roll(cfg.StreamRefuse) {
		writeErr(w, http.StatusServiceUnavailable, "mock refused stream")
		return true
	}
	return false
}

// sseWriter writes server-sent events and honours the stall and cut flags.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	stall   time.Duration
	cut     bool
}

func newSSE(w http.ResponseWriter, cfg Config) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &sseWriter{
		w:       w,
		flusher: flusher,
		stall:   time.Duration(cfg.StreamStallMS) * time.Millisecond,
		cut:     roll(cfg.StreamCut),
	}
}

// event writes one event. An empty name writes a data-only event.
func (s *sseWriter) event(name string, data any) {
	b, _ := json.Marshal(data)
	if name != "" {
		fmt.Fprintf(s.w, "event: %s\n", name)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flush()
}

func (s *sseWriter) raw(line string) {
	fmt.Fprint(s.w, line)
	s.flush()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
	if s.stall > 0 {
		time.Sleep(s.stall)
	}
}

// words streams content word by word through emit. It reports false when the
// stream was cut halfway; callers then return without a terminal event.
func (s *sseWriter) words(content string, emit func(word string)) bool {
	ws := strings.Fields(content)
	for i, word := range ws {
		if s.cut && i == len(ws)/2 {
			return false
		}
		emit(word + " ")
	}
	return true
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	typ := "server_error"
	if status < 500 {
		typ = "invalid_request_error"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_")),
		},
	})
}

// estimateTokens approximates a token count from the body size.
func estimateTokens(body []byte) int {
	if n := len(body) / 4; n > 0 {
		return n
	}
	return 1
}
