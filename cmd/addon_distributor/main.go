package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/casterlab/addon_distributor/internal/config"
	"github.com/casterlab/addon_distributor/internal/distribution"
	"github.com/casterlab/addon_distributor/internal/logctx"
	"github.com/casterlab/addon_distributor/internal/server"
	"github.com/casterlab/addon_distributor/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("addon distributor starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Metrics.Enabled,
		ServiceName: "addon_distributor",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, tel, cfg.Metrics.BindAddress)
	}

	// =========================================================================
	// Start Server Client
	client := server.NewClient(
		cfg.ServerURL,
		cfg.APIToken,
		server.WithRequestTimeout(cfg.RequestTimeout),
		server.WithDownloadTimeout(cfg.DownloadTimeout),
	)
	api := server.NewInstrumentedClient(client, tel)

	// =========================================================================
	// Start Distribution
	store := distribution.NewStore(cfg.AddonsDir, cfg.DependenciesDir)
	manager := distribution.NewManager(
		api,
		store,
		cfg.AddonsDir,
		cfg.DependenciesDir,
		distribution.WithBundleName(cfg.BundleName),
		distribution.WithStaging(cfg.UseStaging),
		distribution.WithFactory(distribution.DefaultFactory(api)),
		distribution.WithTelemetry(tel),
	)

	logger.Info("distributing bundle content...",
		"run_id", manager.RunID(),
		"addons_dir", cfg.AddonsDir,
		"dependencies_dir", cfg.DependenciesDir,
	)

	if err := manager.Distribute(ctx, cfg.Threaded); err != nil {
		return fmt.Errorf("distribution error: %w", err)
	}

	if err := manager.Validate(ctx); err != nil {
		return err
	}

	paths, err := manager.SysPaths(ctx)
	if err != nil {
		return err
	}

	for _, path := range paths {
		fmt.Println(path)
	}

	logger.Info("distribution finished", "paths", len(paths))

	return nil
}

// startMetricsServer exposes the Prometheus endpoint for the lifetime of the
// run. Scrape failures after the process exits are expected; the run is a
// one-shot job.
func startMetricsServer(ctx context.Context, tel *telemetry.Telemetry, bindAddress string) {
	logger := logctx.LoggerFromContext(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", tel.Handler())

	srv := &http.Server{
		Addr:         bindAddress,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "host", bindAddress)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()
}
