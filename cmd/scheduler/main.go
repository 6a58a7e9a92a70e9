package main

import (
	"time"

	"github.com/dunamismax/tileforge/internal/config"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/telemetry"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

// The scheduler only enqueues watchdog passes; workers on the compositor
// queue run them. The watchdog's own lock makes duplicate ticks harmless.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "tileforge-scheduler")

	scheduler := asynq.NewScheduler(cfg.Queue.RedisClientOpt(), &asynq.SchedulerOpts{
		Location: time.UTC,
		LogLevel: asynq.WarnLevel,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("enqueue watchdog pass failed")
				return
			}
			logger.Debug().Str("task_id", info.ID).Msg("watchdog pass enqueued")
		},
	})

	task, err := queue.NewTask(queue.TypeReconcile, queue.ReconcilePayload{})
	if err != nil {
		logger.Fatal().Err(err).Msg("build reconcile task")
	}

	entryID, err := scheduler.Register(
		cfg.Watchdog.Schedule,
		task,
		asynq.Queue(cfg.Queue.CompositorQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(cfg.Watchdog.LockTTL),
		asynq.Unique(cfg.Watchdog.LockTTL),
	)
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.Watchdog.Schedule).Msg("register watchdog schedule")
	}

	logger.Info().Str("entry_id", entryID).Str("schedule", cfg.Watchdog.Schedule).Msg("starting scheduler")
	if err := scheduler.Run(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler failed")
	}
}
