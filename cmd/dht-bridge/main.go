package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"dht-bridge/internal/app"
	"dht-bridge/internal/config"
	"dht-bridge/internal/logging"
)

var version = "dev"
var appName = "dht-bridge"

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	bootID := uuid.NewString()
	logger := logging.New(cfg, version, appName, bootID)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
		"boot_id", bootID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := app.Build{Version: version, BootID: bootID}
	console := app.Console{In: os.Stdin, Out: os.Stdout}
	if err := app.Run(ctx, cfg, build, console); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		stop()
		os.Exit(1)
	}

	slog.Info("shutting down")
}
