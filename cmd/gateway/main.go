// Command gateway is the nulpoint LLM relay server.
//
// It reads configuration from environment variables (or config.yaml, whose
// "seed:" section loads providers and keys into the store) and starts the
// multi-vendor forwarding relay on the configured port.
//
// Quick-start (SQLite store, in-memory state, no Redis required):
//
//	DATABASE_PATH=relay.db ./gateway
//
// "gateway migrate" creates the schema and applies the seed section of
// config.yaml, then exits.
//
// See internal/config for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-relay/internal/app"
	"github.com/nulpointcorp/llm-relay/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			if err := app.Migrate(ctx, cfg, logger); err != nil {
				logger.Error("migrate failed", slog.String("error", err.Error()))
				os.Exit(1)
			}
			return
		case "version":
			fmt.Println(version)
			return
		default:
			log.Fatalf("unknown command %q (want migrate or version)", os.Args[1])
		}
	}

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
