package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"settlo/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer cleanup()

	slog.Info("settlement engine starting")

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("settlement engine stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("settlement engine stopped")
}
