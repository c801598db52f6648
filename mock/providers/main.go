// Command providers runs lightweight HTTP mock servers that simulate each
// upstream wire format the relay forwards to. It is used for E2E/load testing
// without real credentials.
//
// Each vendor listens on its own port:
//
//	OpenAI / Codex / OpenAI-compat  :19001  (chat completions, responses)
//	Anthropic                       :19002  (messages, count_tokens)
//	Gemini                          :19003  (generateContent, streamGenerateContent)
//
// Every server also answers the model listing its checker probes.
//
// Environment overrides (PORT_<VENDOR>):
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS         : artificial latency before the first byte (default 0)
//	MOCK_ERROR_RATE         : fraction [0,1] of requests answered with MOCK_ERROR_STATUS (default 0)
//	MOCK_ERROR_STATUS       : status of injected errors (default 500)
//	MOCK_STREAM_WORDS       : words in a response (default 10)
//	MOCK_STREAM_REFUSE_RATE : fraction [0,1] of stream requests refused with 503 (default 0)
//	MOCK_STREAM_CUT_RATE    : fraction [0,1] of streams cut before the terminal event (default 0)
//	MOCK_STREAM_STALL_MS    : pause between stream chunks (default 0)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS     int
	ErrorRate     float64
	ErrorStatus   int
	StreamWords   int
	StreamRefuse  float64
	StreamCut     float64
	StreamStallMS int
}

func loadConfig() Config {
	c := Config{StreamWords: 10, ErrorStatus: http.StatusInternalServerError}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	c.ErrorRate = rateFromEnv("MOCK_ERROR_RATE")
	if v := os.Getenv("MOCK_ERROR_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 400 && n <= 599 {
			c.ErrorStatus = n
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	c.StreamRefuse = rateFromEnv("MOCK_STREAM_REFUSE_RATE")
	c.StreamCut = rateFromEnv("MOCK_STREAM_CUT_RATE")
	if v := os.Getenv("MOCK_STREAM_STALL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.StreamStallMS = n
		}
	}
	return c
}

// rateFromEnv reads a fraction in [0,1]; anything else is 0.
func rateFromEnv(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 0
	}
	return f
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("error_status", cfg.ErrorStatus),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Float64("stream_refuse_rate", cfg.StreamRefuse),
		slog.Float64("stream_cut_rate", cfg.StreamCut),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
