// Command starbud runs the StarBud voice gateway: the WebSocket session
// endpoint, the management HTTP API and the background summary workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/starbud-ai/starbud/internal/app"
	"github.com/starbud-ai/starbud/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "starbud: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "starbud: %v\n", err)
		}
		return 1
	}

	logger := app.NewLogger(cfg.Server, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starbud starting",
		slog.String("version", app.Version),
		slog.String("config", *configPath),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.String("metrics_addr", cfg.Server.MetricsAddr),
		slog.String("log_level", string(cfg.Server.LogLevel)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialisation failed", slog.Any("error", err))
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", slog.Any("error", err))
		shutdown(application, logger)
		return 1
	}

	logger.Info("shutdown signal received, stopping")
	return shutdown(application, logger)
}

func shutdown(application *app.App, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", slog.Any("error", err))
		return 1
	}
	return 0
}
