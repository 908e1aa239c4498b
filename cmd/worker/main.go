package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"fieldcall-sampling/internal/app"
	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/telemetry"
)

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := app.NewLogger(cfg).With("component", "worker", "worker_id", workerID)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.StoreBackend == "memory" {
		return errors.New("STORE_BACKEND=memory cannot be shared with a separate worker; run cmd/api instead")
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	proc := a.Processor()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metrics.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCanceled(proc.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(proc.RunScheduler(gctx)) })

	logger.Info("worker started",
		"batch_interval", cfg.BatchInterval,
		"batch_concurrency", cfg.BatchConcurrency,
		"backoff_initial", cfg.BackoffInitial)
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
