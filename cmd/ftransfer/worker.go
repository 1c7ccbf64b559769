package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/ftransfer/internal/config"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/pool"
)

// runWorker is the entrypoint of a worker process. Stdout carries the
// envelope stream, so logs go to stderr.
func runWorker() int {
	cfg := config.Config{LogLevel: os.Getenv("LOG_LEVEL")}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler)).With("pid", os.Getpid())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.ServeWorker(logctx.WithLogger(ctx, logger), os.Stdin, os.Stdout); err != nil {
		logger.Error("worker failed", "err", err)

		return 1
	}

	return 0
}
