package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/tileforge/internal/app"
	"github.com/dunamismax/tileforge/internal/compositor"
	"github.com/dunamismax/tileforge/internal/config"
	"github.com/dunamismax/tileforge/internal/telemetry"
	"github.com/dunamismax/tileforge/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "tileforge-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "tileforge-worker",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	if err := compositor.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("image runtime startup failed")
	}
	defer compositor.Shutdown()

	metrics := worker.NewMetrics()
	rt, err := app.Build(ctx, cfg, logger, metrics.Registry())
	if err != nil {
		logger.Fatal().Err(err).Msg("wire runtime failed")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, rt.Compositor, rt.Watchdog, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker init failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.Queue.CompositorQueue).
		Str("redis", cfg.Queue.RedisAddr).
		Msg("starting worker")

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown failed")
	}
	if err := rt.Close(); err != nil {
		logger.Warn().Err(err).Msg("close backends")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
