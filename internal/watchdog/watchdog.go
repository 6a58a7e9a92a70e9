package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/tileforge/internal/lock"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/registry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const lockName = "watchdog"

type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (lock.Release, bool, error)
}

type Trigger interface {
	Invoke(ctx context.Context, inv queue.Invocation) error
}

// Config holds the watchdog thresholds. CompositeLeaseGrace is how long a
// compositing job must sit without a live lease before the compositor is
// invoked again. MaxConcurrentJobs is the admission cap used when the
// registry stores no setting of its own.
type Config struct {
	LockTTL              time.Duration
	JobStallAfter        time.Duration
	TileFailureCleanup   time.Duration
	AnalysisStallAfter   time.Duration
	GenerationStallAfter time.Duration
	CompositeLeaseGrace  time.Duration
	DispatchBatchSize    int
	DispatchParallelism  int
	MaxConcurrentJobs    int
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.JobStallAfter <= 0 {
		c.JobStallAfter = 15 * time.Minute
	}
	if c.TileFailureCleanup <= 0 {
		c.TileFailureCleanup = 60 * time.Minute
	}
	if c.AnalysisStallAfter <= 0 {
		c.AnalysisStallAfter = 5 * time.Minute
	}
	if c.GenerationStallAfter <= 0 {
		c.GenerationStallAfter = 10 * time.Minute
	}
	if c.CompositeLeaseGrace < 0 {
		c.CompositeLeaseGrace = 0
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = 50
	}
	if c.DispatchParallelism <= 0 {
		c.DispatchParallelism = 8
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	return c
}

// Report summarizes one pass. Counts only include writes that won their
// compare-and-set.
type Report struct {
	Locked           bool
	StalledJobs      []string
	CascadedJobs     []string
	AdmittedJobs     []string
	ResetTiles       []string
	DispatchedTiles  int
	CompositeStarted []string
	CompositeResumed []string
	FailedPhases     []string
}

type Watchdog struct {
	registry registry.Registry
	trigger  Trigger
	locker   Locker
	cfg      Config
	logger   zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Watchdog)

func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watchdog) { w.logger = logger.With().Str("component", "watchdog").Logger() }
}

func WithMetrics(metrics *Metrics) Option {
	return func(w *Watchdog) { w.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(w *Watchdog) { w.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

func New(reg registry.Registry, trigger Trigger, locker Locker, cfg Config, opts ...Option) *Watchdog {
	w := &Watchdog{
		registry: reg,
		trigger:  trigger,
		locker:   locker,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("tileforge/watchdog"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type phase struct {
	name string
	run  func(ctx context.Context, now time.Time, report *Report) error
}

func (w *Watchdog) phases() []phase {
	return []phase{
		{"stalled_jobs", w.sweepStalledJobs},
		{"tile_failures", w.cascadeTileFailures},
		{"admission", w.admit},
		{"stalled_tiles", w.sweepStalledTiles},
		{"dispatch", w.dispatchTiles},
		{"composite", w.triggerCompositor},
	}
}

// Reconcile runs one pass. Overlapping calls are safe: only the holder of
// the global lock does any work, the rest report Locked. A failing phase is
// recorded and the remaining phases still run; the joined error lists every
// phase that failed.
func (w *Watchdog) Reconcile(ctx context.Context) (Report, error) {
	ctx, span := w.tracer.Start(ctx, "watchdog.reconcile")
	defer span.End()

	started := time.Now()
	release, ok, err := w.locker.TryLock(ctx, lockName, w.cfg.LockTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, fmt.Errorf("acquire watchdog lock: %w", err)
	}
	if !ok {
		w.logger.Debug().Msg("reconcile skipped: another pass holds the lock")
		w.metrics.observePass("locked", 0)
		span.SetAttributes(attribute.Bool("watchdog.locked", true))
		return Report{Locked: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn().Err(err).Msg("release watchdog lock")
		}
	}()

	now := w.now()
	var report Report
	var errs []error
	for _, p := range w.phases() {
		if err := w.runPhase(ctx, p, now, &report); err != nil {
			report.FailedPhases = append(report.FailedPhases, p.name)
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}

	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	w.metrics.observePass(result, time.Since(started).Seconds())
	w.logger.Info().
		Int("stalled_jobs", len(report.StalledJobs)).
		Int("cascaded_jobs", len(report.CascadedJobs)).
		Int("admitted", len(report.AdmittedJobs)).
		Int("reset_tiles", len(report.ResetTiles)).
		Int("dispatched", report.DispatchedTiles).
		Int("composite_started", len(report.CompositeStarted)).
		Int("composite_resumed", len(report.CompositeResumed)).
		Strs("failed_phases", report.FailedPhases).
		Msg("reconcile finished")

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "one or more phases failed")
	}
	return report, err
}

func (w *Watchdog) runPhase(ctx context.Context, p phase, now time.Time, report *Report) (err error) {
	ctx, span := w.tracer.Start(ctx, "watchdog."+p.name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.metrics.observePhaseError(p.name)
			w.logger.Error().Err(err).Str("phase", p.name).Msg("watchdog phase failed")
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return p.run(ctx, now, report)
}
