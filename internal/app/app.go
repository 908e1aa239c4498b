// Package app assembles the sampling engine's components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldcall-sampling/internal/allocation"
	"fieldcall-sampling/internal/api"
	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/lifecycle"
	"fieldcall-sampling/internal/lock"
	"fieldcall-sampling/internal/queue"
	"fieldcall-sampling/internal/ratelimit"
	"fieldcall-sampling/internal/report"
	"fieldcall-sampling/internal/sampling"
	"fieldcall-sampling/internal/store"
	"fieldcall-sampling/internal/store/memstore"
	"fieldcall-sampling/internal/worker"
)

// Store is every persistence contract the engine needs.
type Store interface {
	sampling.Store
	allocation.Store
	lifecycle.Store
	api.Store
}

// App holds the wired components shared by the api and worker binaries.
type App struct {
	Config    config.Config
	Store     Store
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Limiter   *ratelimit.TokenBucket
	Allocator *allocation.Allocator
	Sampler   *sampling.Service
	Lifecycle *lifecycle.Manager
	Logger    *slog.Logger

	closers []func()
}

// Build connects to the configured backends and wires the services.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreBackend {
	case "memory":
		a.Store = memstore.New()
		logger.Warn("using in-memory store; data is lost on exit")
	default:
		pg, err := store.New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = pg
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	publisher, err := report.NewPublisher(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init report publisher: %w", err)
	}

	a.Queue = queue.NewRedisQueue(a.Redis, cfg.TriggerVisibility)
	a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.TriggerRateCapacity, cfg.TriggerRateRefill, time.Hour)
	a.Allocator = allocation.New(a.Store, logger)
	a.Sampler = sampling.NewService(a.Store, a.Allocator, lock.NewRedisLocker(a.Redis), publisher, sampling.Options{
		DefaultPercentage: cfg.DefaultPercentage,
		TypePercentages:   cfg.TypePercentages,
		CoolingPeriod:     cfg.CoolingPeriod,
		ScheduleOffset:    cfg.TaskScheduleOffset,
		Concurrency:       cfg.BatchConcurrency,
		LeaseTTL:          cfg.RunLeaseTTL,
	}, logger)
	a.Lifecycle = lifecycle.New(a.Store, lifecycle.Options{
		CallbacksEnabled: cfg.CallbacksEnabled,
		CallbackDelay:    cfg.CallbackDelay,
	}, logger)
	return a, nil
}

// API returns the HTTP server over the wired components.
func (a *App) API() *api.Server {
	return api.New(api.Deps{
		Store:     a.Store,
		Sampler:   a.Sampler,
		Lifecycle: a.Lifecycle,
		Queue:     a.Queue,
		Limiter:   a.Limiter,
		Logger:    a.Logger,
	})
}

// Processor returns the trigger worker over the wired components.
func (a *App) Processor() *worker.Processor {
	return worker.NewProcessor(a.Config, a.Queue, a.Sampler, a.Allocator, a.Logger)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// NewLogger builds the JSON logger both binaries use.
func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("env", cfg.Env)
}
