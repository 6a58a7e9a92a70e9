package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/dunamismax/tileforge/internal/id"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/registry"
	"github.com/dunamismax/tileforge/internal/retry"
	"github.com/dunamismax/tileforge/internal/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/image/draw"
)

type Outcome string

const (
	// OutcomeSkipped means another invocation owns the job or it is not
	// ready to composite. Not an error.
	OutcomeSkipped   Outcome = "skipped"
	OutcomeContinued Outcome = "continued"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeErrored means the run stopped on an error that left the job
	// unchanged, so a redelivery may still succeed.
	OutcomeErrored Outcome = "errored"
	// OutcomeInterrupted means the invocation ran out of time. The lease is
	// left to expire so the watchdog can resume from the last checkpoint.
	OutcomeInterrupted Outcome = "interrupted"
)

// Request identifies one compositor invocation. LeaseOwner is empty on a
// fresh trigger and carries the previous holder's token on a continuation.
type Request struct {
	JobID      string
	LeaseOwner string
}

type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	PublicURL(bucket, key string) string
}

type Trigger interface {
	Invoke(ctx context.Context, inv queue.Invocation) error
}

// Notifier is told about every job the compositor moves to a terminal state.
type Notifier interface {
	JobFinished(ctx context.Context, job domain.Job) error
}

type Config struct {
	BatchSize        int
	LeaseTTL         time.Duration
	ContinueDelay    time.Duration
	MaxFeather       int
	TilesBucket      string
	OutputsBucket    string
	CheckpointPrefix string
	FinalPrefix      string
	Retry            retry.Policy
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 12
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.ContinueDelay < 0 {
		c.ContinueDelay = 0
	}
	if c.TilesBucket == "" {
		c.TilesBucket = "tiles"
	}
	if c.OutputsBucket == "" {
		c.OutputsBucket = "outputs"
	}
	if c.CheckpointPrefix == "" {
		c.CheckpointPrefix = "checkpoints"
	}
	if c.FinalPrefix == "" {
		c.FinalPrefix = "final"
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

var errLeaseLost = errors.New("compositor lease lost")

var compositableStatuses = []domain.JobStatus{domain.JobStatusCompositing}

type Compositor struct {
	registry registry.Registry
	store    ObjectStore
	trigger  Trigger
	cfg      Config
	codec    Codec
	fetcher  URLFetcher
	notifier Notifier
	logger   zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	newOwner func() string
}

type Option func(*Compositor)

func WithCodec(codec Codec) Option {
	return func(c *Compositor) { c.codec = codec }
}

func WithFetcher(fetcher URLFetcher) Option {
	return func(c *Compositor) { c.fetcher = fetcher }
}

func WithNotifier(notifier Notifier) Option {
	return func(c *Compositor) { c.notifier = notifier }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Compositor) { c.logger = logger.With().Str("component", "compositor").Logger() }
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Compositor) { c.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Compositor) { c.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(c *Compositor) { c.now = now }
}

// WithOwnerTokens overrides how fresh invocations name themselves as lease
// owners.
func WithOwnerTokens(next func() string) Option {
	return func(c *Compositor) { c.newOwner = next }
}

func New(reg registry.Registry, store ObjectStore, trigger Trigger, cfg Config, opts ...Option) *Compositor {
	c := &Compositor{
		registry: reg,
		store:    store,
		trigger:  trigger,
		cfg:      cfg.withDefaults(),
		codec:    stdCodec{},
		fetcher:  NewHTTPFetcher(0),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("tileforge/compositor"),
		now:      func() time.Time { return time.Now().UTC() },
		newOwner: func() string { return id.Token("compositor") },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Composite runs one bounded batch for a job. It is safe to call redundantly
// and concurrently: only the invocation that wins the lease does any work.
func (c *Compositor) Composite(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "compositor.composite", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.Bool("compositor.continuation", req.LeaseOwner != ""),
	))
	defer span.End()

	owner := req.LeaseOwner
	if owner == "" {
		owner = c.newOwner()
	}
	logger := c.logger.With().Str("job_id", req.JobID).Str("owner", owner).Logger()

	job, err := c.claim(ctx, req.JobID, owner)
	switch {
	case errors.Is(err, domain.ErrLeaseConflict), errors.Is(err, registry.ErrJobNotFound):
		logger.Debug().Err(err).Msg("composite skipped")
		c.metrics.observeRun(OutcomeSkipped)
		span.SetAttributes(attribute.String("compositor.outcome", string(OutcomeSkipped)))
		return OutcomeSkipped, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.observeRun(OutcomeErrored)
		return OutcomeErrored, fmt.Errorf("claim job %s: %w", req.JobID, err)
	}

	outcome, err := c.run(ctx, logger, job, owner)
	if err != nil {
		outcome, err = c.handleFailure(ctx, logger, job, owner, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("compositor.outcome", string(outcome)))
	c.metrics.observeRun(outcome)
	return outcome, err
}

type claimResult struct {
	job     domain.Job
	claimed bool
	missing bool
}

func (c *Compositor) claim(ctx context.Context, jobID, owner string) (domain.Job, error) {
	res, err := retry.Do(ctx, c.cfg.Retry, "claim job", func(ctx context.Context) (claimResult, error) {
		job, ok, err := c.registry.ClaimJob(ctx, jobID, registry.LeaseClaim{
			Owner:    owner,
			TTL:      c.cfg.LeaseTTL,
			Statuses: compositableStatuses,
		})
		if errors.Is(err, registry.ErrJobNotFound) {
			return claimResult{missing: true}, nil
		}
		return claimResult{job: job, claimed: ok}, err
	})
	switch {
	case err != nil:
		return domain.Job{}, err
	case res.missing:
		return domain.Job{}, fmt.Errorf("%w: %s", registry.ErrJobNotFound, jobID)
	case !res.claimed:
		return res.job, domain.ErrLeaseConflict
	}
	return res.job, nil
}

func (c *Compositor) run(ctx context.Context, logger zerolog.Logger, job domain.Job, owner string) (Outcome, error) {
	if err := job.ValidateGeometry(); err != nil {
		return "", err
	}

	tiles, err := retry.Do(ctx, c.cfg.Retry, "load tiles", func(ctx context.Context) ([]domain.Tile, error) {
		return c.registry.GetTiles(ctx, registry.TileFilter{
			JobID:    job.ID,
			Statuses: []domain.TileStatus{domain.TileStatusComplete},
		})
	})
	if err != nil {
		return "", err
	}

	valid, invalid := splitValid(tiles)
	for _, tile := range invalid {
		logger.Warn().Str("tile_id", tile.ID).Msg("tile excluded: missing coordinates or result")
	}
	if len(valid) == 0 {
		return "", domain.Invalidf("job has no valid completed tiles")
	}

	if job.Engine == domain.EngineSingleShot && len(valid) == 1 {
		return c.finalizeDirect(ctx, logger, job, owner, valid[0])
	}

	g, err := arrange(job, valid)
	if err != nil {
		return "", err
	}

	canvas, err := c.loadCanvas(ctx, job)
	if err != nil {
		return "", err
	}

	start := min(job.Checkpoint.NextTileIndex, len(g.tiles))
	end := min(start+c.cfg.BatchSize, len(g.tiles))
	logger.Info().
		Int("next_tile_index", start).
		Int("batch_end", end).
		Int("tiles", len(g.tiles)).
		Msg("compositing batch")

	batchStarted := time.Now()
	band := job.FeatherWidth(c.cfg.MaxFeather)
	for _, tile := range g.tiles[start:end] {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := c.renewLease(ctx, job.ID, owner); err != nil {
			return "", err
		}
		if err := c.drawTile(ctx, canvas, job, g, tile, band); err != nil {
			return "", fmt.Errorf("tile %s: %w", tile.ID, err)
		}
	}
	c.metrics.observeBatch(end-start, time.Since(batchStarted).Seconds())

	if end < len(g.tiles) {
		return c.checkpoint(ctx, logger, job, owner, canvas, end)
	}
	return c.finalize(ctx, logger, job, owner, canvas)
}

func (c *Compositor) drawTile(ctx context.Context, canvas *image.RGBA, job domain.Job, g grid, tile placedTile, band int) error {
	data, err := retry.Do(ctx, c.cfg.Retry, "fetch tile", func(ctx context.Context) ([]byte, error) {
		return c.fetchTile(ctx, tile.Tile)
	})
	if err != nil {
		return err
	}

	rect := placement(job, *tile.Origin)
	img, err := c.codec.DecodeTile(ctx, data, rect.Dx(), rect.Dy())
	if err != nil {
		return err
	}

	mask := featherMask(rect.Dx(), rect.Dy(), band, g.hasLeft(tile.Cell), g.hasTop(tile.Cell))
	if mask == nil {
		draw.Draw(canvas, rect, img, img.Bounds().Min, draw.Over)
		return nil
	}
	// rect may overhang the canvas; DrawMask clips it and keeps the source
	// and mask aligned, so edge tiles are cropped rather than rescaled.
	draw.DrawMask(canvas, rect, img, img.Bounds().Min, mask, image.Point{}, draw.Over)
	return nil
}

func (c *Compositor) fetchTile(ctx context.Context, tile domain.Tile) ([]byte, error) {
	if !tile.Result.IsBlob() {
		return c.fetcher.Fetch(ctx, tile.Result.URL)
	}
	bucket := c.tileBucket(tile.Result)
	data, err := c.store.Get(ctx, bucket, tile.Result.Key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, domain.Invalidf("tile result %s/%s is missing", bucket, tile.Result.Key)
	}
	return data, err
}

func (c *Compositor) tileBucket(ref domain.ResultRef) string {
	if ref.Bucket != "" {
		return ref.Bucket
	}
	return c.cfg.TilesBucket
}

func (c *Compositor) loadCanvas(ctx context.Context, job domain.Job) (*image.RGBA, error) {
	if job.Checkpoint.NextTileIndex == 0 {
		return newCanvas(job.CanvasWidth, job.CanvasHeight), nil
	}
	if job.Checkpoint.Key == "" {
		return nil, domain.Invalidf("checkpoint at tile %d has no canvas", job.Checkpoint.NextTileIndex)
	}

	data, err := retry.Do(ctx, c.cfg.Retry, "load checkpoint", func(ctx context.Context) ([]byte, error) {
		data, err := c.store.Get(ctx, c.cfg.OutputsBucket, job.Checkpoint.Key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, domain.Invalidf("checkpoint %s is missing", job.Checkpoint.Key)
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data, job.CanvasWidth, job.CanvasHeight)
}

func (c *Compositor) checkpoint(ctx context.Context, logger zerolog.Logger, job domain.Job, owner string, canvas *image.RGBA, next int) (Outcome, error) {
	data, err := encodeCheckpoint(flatten(canvas))
	if err != nil {
		return "", err
	}

	// Each holder writes its own object; only the conditional update below
	// makes it the job's checkpoint.
	key := c.checkpointKey(job.ID, owner, next)
	if err := retry.Run(ctx, c.cfg.Retry, "put checkpoint", func(ctx context.Context) error {
		return c.store.Put(ctx, c.cfg.OutputsBucket, key, data, checkpointContentType)
	}); err != nil {
		return "", err
	}

	leaseUntil := c.now().Add(c.cfg.LeaseTTL)
	_, err = c.updateHeld(ctx, job.ID, registry.JobUpdate{
		Checkpoint:     &domain.Checkpoint{Key: key, NextTileIndex: next},
		LeaseExpiresAt: &leaseUntil,
		IfStatuses:     compositableStatuses,
		IfLeaseOwner:   owner,
	})
	if errors.Is(err, errLeaseLost) {
		c.dropCheckpoint(ctx, logger, key)
		return "", err
	}
	if err != nil {
		return "", err
	}
	if prev := job.Checkpoint.Key; prev != "" && prev != key {
		c.dropCheckpoint(ctx, logger, prev)
	}
	c.metrics.observeCheckpoint()

	err = c.trigger.Invoke(ctx, queue.Invocation{
		Type: queue.TypeComposite,
		Payload: queue.CompositePayload{
			JobID:       job.ID,
			LeaseOwner:  owner,
			RequestedAt: c.now(),
		},
		Delay:     c.cfg.ContinueDelay,
		DedupeKey: fmt.Sprintf("%s:%s:%d", queue.TypeComposite, job.ID, next),
	})
	if err != nil {
		logger.Warn().Err(err).Int("next_tile_index", next).Msg("continuation not enqueued; resumes after lease expiry")
	}

	logger.Info().Int("next_tile_index", next).Msg("checkpoint saved")
	return OutcomeContinued, nil
}

func (c *Compositor) finalize(ctx context.Context, logger zerolog.Logger, job domain.Job, owner string, canvas *image.RGBA) (Outcome, error) {
	data, err := encodeFinal(flatten(canvas))
	if err != nil {
		return "", err
	}

	key := path.Join(c.cfg.FinalPrefix, job.ID+".jpg")
	if err := retry.Run(ctx, c.cfg.Retry, "put final image", func(ctx context.Context) error {
		return c.store.Put(ctx, c.cfg.OutputsBucket, key, data, finalContentType)
	}); err != nil {
		return "", err
	}
	url := c.store.PublicURL(c.cfg.OutputsBucket, key)

	done, err := c.complete(ctx, job.ID, owner, key, url)
	if err != nil {
		return "", err
	}
	if job.Checkpoint.Key != "" {
		c.dropCheckpoint(ctx, logger, job.Checkpoint.Key)
	}

	logger.Info().Str("final_url", url).Int("bytes", len(data)).Msg("job composited")
	c.notify(ctx, logger, done)
	return OutcomeCompleted, nil
}

// finalizeDirect publishes a single-shot result as is, without a canvas.
// FinalKey stays empty: the result lives in the tiles bucket, not the
// outputs bucket FinalKey refers to.
func (c *Compositor) finalizeDirect(ctx context.Context, logger zerolog.Logger, job domain.Job, owner string, tile domain.Tile) (Outcome, error) {
	url := tile.Result.URL
	if tile.Result.IsBlob() {
		url = c.store.PublicURL(c.tileBucket(tile.Result), tile.Result.Key)
	}

	done, err := c.complete(ctx, job.ID, owner, "", url)
	if err != nil {
		return "", err
	}
	logger.Info().Str("tile_id", tile.ID).Str("final_url", url).Msg("single-shot result published")
	c.notify(ctx, logger, done)
	return OutcomeCompleted, nil
}

func (c *Compositor) complete(ctx context.Context, jobID, owner, key, url string) (domain.Job, error) {
	return c.updateHeld(ctx, jobID, registry.JobUpdate{
		Status:          domain.JobStatusComplete,
		FinalKey:        &key,
		FinalURL:        &url,
		Error:           registry.StringPtr(""),
		ClearCheckpoint: true,
		ReleaseLease:    true,
		IfLeaseOwner:    owner,
	})
}

func (c *Compositor) handleFailure(ctx context.Context, logger zerolog.Logger, job domain.Job, owner string, cause error) (Outcome, error) {
	if errors.Is(cause, errLeaseLost) {
		logger.Warn().Msg("lease lost mid-run; leaving job to the current holder")
		return OutcomeSkipped, nil
	}
	if ctx.Err() != nil {
		logger.Warn().Err(cause).Msg("composite interrupted; lease left to expire")
		return OutcomeInterrupted, cause
	}

	logger.Error().Err(cause).Msg("compositing failed")
	message := "compositing failed: " + cause.Error()
	failed, err := c.updateHeld(ctx, job.ID, registry.JobUpdate{
		Status:          domain.JobStatusFailed,
		Error:           &message,
		ClearCheckpoint: true,
		ReleaseLease:    true,
		IfLeaseOwner:    owner,
	})
	if errors.Is(err, errLeaseLost) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeErrored, errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}

	if job.Checkpoint.Key != "" {
		c.dropCheckpoint(ctx, logger, job.Checkpoint.Key)
	}
	c.notify(ctx, logger, failed)
	return OutcomeFailed, cause
}

// updateHeld applies an update that is only valid while owner still holds
// the lease, and reports errLeaseLost when it no longer does.
func (c *Compositor) updateHeld(ctx context.Context, jobID string, update registry.JobUpdate) (domain.Job, error) {
	res, err := retry.Do(ctx, c.cfg.Retry, "update job", func(ctx context.Context) (claimResult, error) {
		job, ok, err := c.registry.UpdateJob(ctx, jobID, update)
		return claimResult{job: job, claimed: ok}, err
	})
	if err != nil {
		return domain.Job{}, err
	}
	if !res.claimed {
		return res.job, errLeaseLost
	}
	return res.job, nil
}

// renewLease extends the lease before each tile so a long batch does not
// outlive it, and stops the batch once another invocation has taken over.
func (c *Compositor) renewLease(ctx context.Context, jobID, owner string) error {
	leaseUntil := c.now().Add(c.cfg.LeaseTTL)
	_, err := c.updateHeld(ctx, jobID, registry.JobUpdate{
		LeaseExpiresAt: &leaseUntil,
		IfStatuses:     compositableStatuses,
		IfLeaseOwner:   owner,
	})
	return err
}

func (c *Compositor) dropCheckpoint(ctx context.Context, logger zerolog.Logger, key string) {
	err := retry.Run(ctx, c.cfg.Retry, "delete checkpoint", func(ctx context.Context) error {
		return c.store.Delete(ctx, c.cfg.OutputsBucket, key)
	})
	if err != nil {
		logger.Warn().Err(err).Str("checkpoint", key).Msg("checkpoint not deleted")
	}
}

func (c *Compositor) notify(ctx context.Context, logger zerolog.Logger, job domain.Job) {
	if c.notifier == nil || job.WebhookURL == "" {
		return
	}
	if err := c.notifier.JobFinished(ctx, job); err != nil {
		logger.Warn().Err(err).Str("status", string(job.Status)).Msg("job notification failed")
	}
}

func (c *Compositor) checkpointKey(jobID, owner string, next int) string {
	return path.Join(c.cfg.CheckpointPrefix, jobID, fmt.Sprintf("%06d-%s.png", next, owner))
}
