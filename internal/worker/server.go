package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/tileforge/internal/compositor"
	"github.com/dunamismax/tileforge/internal/config"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/watchdog"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Compositor interface {
	Composite(ctx context.Context, req compositor.Request) (compositor.Outcome, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (watchdog.Report, error)
}

// Server consumes the compositor queue: batch invocations for the compositor
// and scheduled watchdog passes.
type Server struct {
	logger     zerolog.Logger
	server     *asynq.Server
	compositor Compositor
	watchdog   Reconciler
	metrics    *Metrics
	tracer     trace.Tracer
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	comp Compositor,
	wd Reconciler,
	metrics *Metrics,
) (*Server, error) {
	if comp == nil {
		return nil, fmt.Errorf("compositor is required")
	}
	if wd == nil {
		return nil, fmt.Errorf("watchdog is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	logger = logger.With().Str("component", "worker").Logger()
	s := &Server{
		logger:     logger,
		compositor: comp,
		watchdog:   wd,
		metrics:    metrics,
		tracer:     otel.Tracer("tileforge/worker"),
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: max(1, workerCfg.Concurrency),
			Queues: map[string]int{
				queueCfg.CompositorQueue: 1,
			},
			LogLevel: asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn().
					Err(err).
					Str("type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeComposite, s.handleComposite)
	mux.HandleFunc(queue.TypeReconcile, s.handleReconcile)
	return mux
}

func (s *Server) Run() error {
	return s.server.Run(s.Mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleComposite(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseCompositePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.composite", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", payload.JobID))
	defer span.End()

	s.metrics.activeTasks.Inc()
	startedAt := time.Now()
	outcome, err := s.compositor.Composite(ctx, compositor.Request{
		JobID:      payload.JobID,
		LeaseOwner: payload.LeaseOwner,
	})
	s.metrics.activeTasks.Dec()
	s.metrics.observeTask(queue.TypeComposite, string(outcome), time.Since(startedAt))

	if err == nil {
		span.SetStatus(codes.Ok, string(outcome))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "composite failed")
	if outcome == compositor.OutcomeFailed {
		// The job is already marked failed; a redelivery could only skip.
		return fmt.Errorf("composite job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return fmt.Errorf("composite job %s: %w", payload.JobID, err)
}

func (s *Server) handleReconcile(ctx context.Context, task *asynq.Task) error {
	var payload queue.ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	ctx, span := s.tracer.Start(ctx, "worker.reconcile", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	startedAt := time.Now()
	report, err := s.watchdog.Reconcile(ctx)
	result := "ok"
	switch {
	case report.Locked:
		result = "locked"
	case err != nil:
		result = "partial"
	}
	s.metrics.observeTask(queue.TypeReconcile, result, time.Since(startedAt))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		// The next scheduled pass retries whatever this one missed.
		return errors.Join(err, asynq.SkipRetry)
	}
	return nil
}
