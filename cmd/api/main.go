package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/tileforge/internal/api"
	"github.com/dunamismax/tileforge/internal/config"
	"github.com/dunamismax/tileforge/internal/ratelimit"
	"github.com/dunamismax/tileforge/internal/registry"
	"github.com/dunamismax/tileforge/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "tileforge-api")

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "tileforge-api",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	reg, err := registry.NewPostgresRegistry(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect registry failed")
	}
	defer reg.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer redisClient.Close()

	var limiter api.RateLimiter
	if cfg.API.RateLimitPerMinute > 0 {
		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimitPerMinute, time.Minute, "")
		if err != nil {
			logger.Fatal().Err(err).Msg("rate limiter init failed")
		}
		limiter = bucket
	}

	app := api.NewServer(logger, reg, api.Options{
		RateLimiter:  limiter,
		UserIDHeader: cfg.API.UserIDHeader,
		Tracer:       otel.Tracer("tileforge/api"),
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
