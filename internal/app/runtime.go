// Package app wires the compositor and watchdog against their production
// backends. The worker and the operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/tileforge/internal/compositor"
	"github.com/dunamismax/tileforge/internal/config"
	"github.com/dunamismax/tileforge/internal/id"
	"github.com/dunamismax/tileforge/internal/lock"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/registry"
	"github.com/dunamismax/tileforge/internal/retry"
	"github.com/dunamismax/tileforge/internal/storage"
	"github.com/dunamismax/tileforge/internal/watchdog"
	"github.com/dunamismax/tileforge/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Runtime struct {
	Registry   *registry.PostgresRegistry
	Storage    *storage.Client
	Queue      *queue.Client
	Redis      redis.UniversalClient
	Compositor *compositor.Compositor
	Watchdog   *watchdog.Watchdog

	closers []func() error
}

// Build connects every backend and assembles the compositor and watchdog.
// metricsReg may be nil when nothing scrapes the process.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, metricsReg prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{}

	reg, err := registry.NewPostgresRegistry(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	rt.Registry = reg
	rt.closers = append(rt.closers, reg.Close)

	store, err := storage.NewClient(storage.Config{
		Endpoint:      cfg.Storage.Endpoint,
		Access:        cfg.Storage.AccessKey,
		Secret:        cfg.Storage.SecretKey,
		UseSSL:        cfg.Storage.UseSSL,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		return nil, rt.fail(err)
	}
	if err := store.EnsureBuckets(ctx, cfg.Storage.TilesBucket, cfg.Storage.OutputsBucket); err != nil {
		return nil, rt.fail(err)
	}
	rt.Storage = store

	rt.Queue = queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Routes{
		Compositor: cfg.Queue.CompositorQueue,
		Tiles:      cfg.Queue.TilesQueue,
	})
	rt.closers = append(rt.closers, rt.Queue.Close)

	rt.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	rt.closers = append(rt.closers, rt.Redis.Close)
	if err := rt.Redis.Ping(ctx).Err(); err != nil {
		return nil, rt.fail(fmt.Errorf("ping redis: %w", err))
	}

	locker, err := lock.NewRedisLocker(rt.Redis, "tileforge:lock", func() string { return id.Token("watchdog") })
	if err != nil {
		return nil, rt.fail(err)
	}

	codec, err := compositor.NewCodec()
	if err != nil {
		return nil, rt.fail(err)
	}

	var notifier compositor.Notifier
	if cfg.Webhook.SigningSecret != "" {
		notifier = webhook.NewJobNotifier(webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}))
	} else {
		logger.Warn().Msg("WEBHOOK_SIGNING_SECRET is empty; job webhooks disabled")
	}

	compOpts := []compositor.Option{
		compositor.WithCodec(codec),
		compositor.WithLogger(logger),
	}
	if notifier != nil {
		compOpts = append(compOpts, compositor.WithNotifier(notifier))
	}
	wdOpts := []watchdog.Option{watchdog.WithLogger(logger)}
	if metricsReg != nil {
		compOpts = append(compOpts, compositor.WithMetrics(compositor.NewMetrics(metricsReg)))
		wdOpts = append(wdOpts, watchdog.WithMetrics(watchdog.NewMetrics(metricsReg)))
	}

	rt.Compositor = compositor.New(reg, store, rt.Queue, compositor.Config{
		BatchSize:        cfg.Compositor.BatchSize,
		LeaseTTL:         cfg.Compositor.LeaseTTL,
		ContinueDelay:    cfg.Compositor.ContinueDelay,
		MaxFeather:       cfg.Compositor.MaxFeather,
		TilesBucket:      cfg.Storage.TilesBucket,
		OutputsBucket:    cfg.Storage.OutputsBucket,
		CheckpointPrefix: cfg.Compositor.CheckpointPrefix,
		FinalPrefix:      cfg.Compositor.FinalPrefix,
		Retry: retry.Policy{
			Attempts: cfg.Compositor.RetryAttempts,
			Step:     cfg.Compositor.RetryStep,
			MaxDelay: 4 * cfg.Compositor.RetryStep,
		},
	}, compOpts...)

	rt.Watchdog = watchdog.New(reg, rt.Queue, locker, watchdog.Config{
		LockTTL:              cfg.Watchdog.LockTTL,
		JobStallAfter:        cfg.Watchdog.JobStallAfter,
		TileFailureCleanup:   cfg.Watchdog.TileFailureCleanup,
		AnalysisStallAfter:   cfg.Watchdog.AnalysisStallAfter,
		GenerationStallAfter: cfg.Watchdog.GenerationStallAfter,
		CompositeLeaseGrace:  cfg.Watchdog.CompositeLeaseGrace,
		DispatchBatchSize:    cfg.Watchdog.DispatchBatchSize,
		DispatchParallelism:  cfg.Watchdog.DispatchParallelism,
		MaxConcurrentJobs:    cfg.Watchdog.MaxConcurrentJobs,
	}, wdOpts...)

	return rt, nil
}

func (rt *Runtime) fail(err error) error {
	return errors.Join(err, rt.Close())
}

// Close releases backends in reverse order of construction.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
