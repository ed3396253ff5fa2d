package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nfrund/listsync/internal/app"
	"github.com/nfrund/listsync/internal/config"
	"github.com/nfrund/listsync/internal/logging"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg).Run(ctx); err != nil {
		slog.Error("Server exited with error", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
