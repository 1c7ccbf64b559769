package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/ftransfer/internal/cleanup"
	"github.com/italolelis/ftransfer/internal/config"
	"github.com/italolelis/ftransfer/internal/http/rest"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/notifier"
	"github.com/italolelis/ftransfer/internal/pool"
	"github.com/italolelis/ftransfer/internal/registry"
	"github.com/italolelis/ftransfer/internal/storage"
	"github.com/italolelis/ftransfer/internal/storage/sqlite"
	"github.com/italolelis/ftransfer/internal/telemetry"
	"github.com/italolelis/ftransfer/internal/transfer"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const workerCommand = "worker"

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerCommand {
		os.Exit(runWorker())
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ftransfer starting...", "log_level", cfg.LogLevel, "pool_mode", cfg.PoolMode)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// newLogger builds the JSON logger, teeing into a rotated file when LOG_FILE
// is set.
func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stdout

	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	return slog.New(logctx.NewTraceHandler(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		PushInterval:   cfg.Telemetry.PushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTransferRepository(database, tel)
	instanceID := storage.GenerateInstanceID()

	recovered, err := cleanup.RecoverInterrupted(ctx, repo, instanceID)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted transfers: %w", err)
	}

	if recovered > 0 {
		tel.RecordInterruptedTransfers(recovered)
		logger.Warn("recovered interrupted transfers", "count", recovered)
	}

	// =========================================================================
	// Start Worker Pool
	runner, err := buildRunner(cfg)
	if err != nil {
		return err
	}

	// The pool outlives ctx so the registry can drain cooperatively.
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	workers := pool.New(poolCtx, runner, cfg.PoolSize, cfg.PoolMaxQueued)
	defer workers.Close()

	// =========================================================================
	// Start Registry
	reg := registry.New(workers, tel, registry.Config{
		PollInterval:    cfg.PollInterval,
		ShutdownTimeout: cfg.Web.ShutdownTimeout,
		Client: transfer.ClientOptions{
			Timeout:   cfg.HTTPTimeout,
			UserAgent: cfg.UserAgent,
			Proxy:     cfg.Proxy,
		},
	})

	// =========================================================================
	// Start Notification
	notif, closeNotifiers, err := buildNotifier(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	g, gctx := errgroup.WithContext(ctx)

	registryDone := make(chan struct{})

	g.Go(func() error {
		defer close(registryDone)

		return reg.Run(gctx)
	})

	g.Go(func() error {
		recordEvents(gctx, reg, repo, notif, instanceID, registryDone)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, repo, instanceID, cfg)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, reg, repo, tel, cfg)

	listener, err := net.Listen("tcp", cfg.Web.BindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Web.BindAddress, err)
	}

	listener = netutil.LimitListener(listener, cfg.Web.MaxConnections)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress, "max_connections", cfg.Web.MaxConnections)

		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for transfers...",
		"download_dir", cfg.DownloadDir,
		"pool_size", cfg.PoolSize,
		"instance_id", instanceID,
		"retention", cfg.KeepHistoryFor.String(),
	)

	return g.Wait()
}

// buildRunner picks how jobs are executed.
func buildRunner(cfg *config.Config) (pool.Runner, error) {
	switch cfg.PoolMode {
	case config.PoolModeLocal:
		return pool.LocalRunner{}, nil
	case config.PoolModeProcess:
		runner, err := pool.NewProcessRunner()
		if err != nil {
			return nil, fmt.Errorf("failed to build process runner: %w", err)
		}

		runner.Stderr = os.Stderr

		return runner, nil
	}

	return nil, fmt.Errorf("invalid pool mode: %s", cfg.PoolMode)
}

func buildNotifier(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*notifier.Multi, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		notifiers []notifier.Named
		closers   []func()
	)

	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notifier.Named{Name: "discord", Notifier: notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)})
	}

	if cfg.NATSURL != "" {
		nc, closeNATS, err := notifier.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}

		closers = append(closers, closeNATS)
		notifiers = append(notifiers, notifier.Named{Name: "nats", Notifier: notifier.NewNATSNotifier(nc, cfg.NATSSubject)})
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	return notifier.NewMulti(tel, notifiers...), closeAll, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	reg *registry.Registry,
	repo storage.TransferReadRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware(routePattern))

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewTransferHandler(reg, repo, cfg.DownloadDir).Routes())

	return &http.Server{
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}

	return ""
}

func runCleanup(ctx context.Context, repo storage.TransferRepository, instanceID string, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			if _, err := cleanup.RecoverInterrupted(ctx, repo, instanceID); err != nil {
				logger.Error("failed to recover interrupted transfers", "err", err)
			}

			if _, err := cleanup.PruneHistory(ctx, repo, cfg.KeepHistoryFor); err != nil {
				logger.Error("failed to prune transfer history", "err", err)
			}
		}
	}
}
