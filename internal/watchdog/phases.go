package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/registry"
	"golang.org/x/sync/errgroup"
)

// sweepStalledJobs fails active jobs whose row has not moved within
// JobStallAfter. Catch-all behind the finer tile and lease checks.
func (w *Watchdog) sweepStalledJobs(ctx context.Context, now time.Time, report *Report) error {
	cutoff := now.Add(-w.cfg.JobStallAfter)
	jobs, err := w.registry.ListJobs(ctx, registry.JobFilter{
		Statuses:      domain.ActiveJobStatuses,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("list stalled jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		message := fmt.Sprintf("job stalled in %s: no progress for more than %s", job.Status, w.cfg.JobStallAfter)
		_, applied, err := w.registry.UpdateJob(ctx, job.ID, registry.JobUpdate{
			Status:          domain.JobStatusFailed,
			Error:           &message,
			ReleaseLease:    true,
			IfStatuses:      []domain.JobStatus{job.Status},
			IfUpdatedBefore: cutoff,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fail stalled job %s: %w", job.ID, err))
			continue
		}
		if !applied {
			continue
		}
		report.StalledJobs = append(report.StalledJobs, job.ID)
		w.metrics.observeJobFailed("stalled")
		w.logger.Warn().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("stalled job failed")
	}
	return errors.Join(errs...)
}

// cascadeTileFailures fails every non-terminal job that owns a tile which has
// sat in a failed status for longer than TileFailureCleanup.
func (w *Watchdog) cascadeTileFailures(ctx context.Context, now time.Time, report *Report) error {
	tiles, err := w.registry.GetTiles(ctx, registry.TileFilter{
		Statuses:      domain.FailedTileStatuses,
		UpdatedBefore: now.Add(-w.cfg.TileFailureCleanup),
	})
	if err != nil {
		return fmt.Errorf("list failed tiles: %w", err)
	}

	seen := make(map[string]struct{})
	var errs []error
	for _, tile := range tiles {
		if _, done := seen[tile.JobID]; done {
			continue
		}
		seen[tile.JobID] = struct{}{}

		job, err := w.registry.GetJob(ctx, tile.JobID)
		if errors.Is(err, registry.ErrJobNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load job %s: %w", tile.JobID, err))
			continue
		}
		if job.Status.Terminal() {
			continue
		}

		message := fmt.Sprintf("tile %s %s", tile.ID, tile.Status)
		if tile.Error != "" {
			message += ": " + tile.Error
		}
		_, applied, err := w.registry.UpdateJob(ctx, job.ID, registry.JobUpdate{
			Status:       domain.JobStatusFailed,
			Error:        &message,
			ReleaseLease: true,
			IfStatuses:   []domain.JobStatus{job.Status},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fail job %s: %w", job.ID, err))
			continue
		}
		if !applied {
			continue
		}
		report.CascadedJobs = append(report.CascadedJobs, job.ID)
		w.metrics.observeJobFailed("tile_failed")
		w.logger.Warn().Str("job_id", job.ID).Str("tile_id", tile.ID).Msg("job failed by tile failure")
	}
	return errors.Join(errs...)
}

// admit moves the oldest pending jobs into tiling while the number of active
// jobs stays under the concurrency limit.
func (w *Watchdog) admit(ctx context.Context, _ time.Time, report *Report) error {
	limit, err := w.registry.ConcurrencyLimit(ctx, w.cfg.MaxConcurrentJobs)
	if err != nil {
		return fmt.Errorf("read concurrency limit: %w", err)
	}
	active, err := w.registry.CountJobs(ctx, domain.ActiveJobStatuses)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}

	slots := limit - active
	if slots <= 0 {
		return nil
	}

	pending, err := w.registry.ListJobs(ctx, registry.JobFilter{
		Statuses: []domain.JobStatus{domain.JobStatusPending},
		Limit:    slots,
	})
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	var errs []error
	for _, job := range pending {
		_, applied, err := w.registry.UpdateJob(ctx, job.ID, registry.JobUpdate{
			Status:     domain.JobStatusTiling,
			IfStatuses: []domain.JobStatus{domain.JobStatusPending},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("admit job %s: %w", job.ID, err))
			continue
		}
		if !applied {
			continue
		}
		report.AdmittedJobs = append(report.AdmittedJobs, job.ID)
		w.metrics.observeAdmitted()

		err = w.trigger.Invoke(ctx, queue.Invocation{
			Type:      queue.TypeTileJob,
			Payload:   queue.TileJobPayload{JobID: job.ID},
			DedupeKey: queue.TypeTileJob + ":" + job.ID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch tiling for job %s: %w", job.ID, err))
			continue
		}
		w.logger.Info().Str("job_id", job.ID).Int("limit", limit).Msg("job admitted")
	}
	return errors.Join(errs...)
}

// sweepStalledTiles moves tiles stuck in analyzing or generating to their
// failed status.
func (w *Watchdog) sweepStalledTiles(ctx context.Context, now time.Time, report *Report) error {
	thresholds := []struct {
		status domain.TileStatus
		after  time.Duration
	}{
		{domain.TileStatusAnalyzing, w.cfg.AnalysisStallAfter},
		{domain.TileStatusGenerating, w.cfg.GenerationStallAfter},
	}

	var errs []error
	for _, th := range thresholds {
		target, _ := th.status.StallTarget()
		cutoff := now.Add(-th.after)
		tiles, err := w.registry.GetTiles(ctx, registry.TileFilter{
			Statuses:      []domain.TileStatus{th.status},
			UpdatedBefore: cutoff,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s tiles: %w", th.status, err))
			continue
		}

		message := fmt.Sprintf("stalled in %s for more than %s", th.status, th.after)
		for _, tile := range tiles {
			applied, err := w.registry.UpdateTile(ctx, tile.ID, registry.TileUpdate{
				Status:          target,
				Error:           &message,
				IfUpdatedBefore: cutoff,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("reset tile %s: %w", tile.ID, err))
				continue
			}
			if !applied {
				continue
			}
			report.ResetTiles = append(report.ResetTiles, tile.ID)
			w.metrics.observeTileReset(string(th.status))
			w.logger.Warn().Str("job_id", tile.JobID).Str("tile_id", tile.ID).Str("status", string(th.status)).Msg("stalled tile reset")
		}
	}
	return errors.Join(errs...)
}

var dispatchTasks = map[domain.TileStatus]string{
	domain.TileStatusPendingAnalysis:   queue.TypeAnalyzeTile,
	domain.TileStatusPendingGeneration: queue.TypeGenerateTile,
}

// dispatchTiles hands at most DispatchBatchSize pending tiles to the analysis
// and generation workers. Tiles of jobs that already reached a terminal
// status are left alone and do not use up the batch.
func (w *Watchdog) dispatchTiles(ctx context.Context, _ time.Time, report *Report) error {
	tiles, err := w.registry.GetTiles(ctx, registry.TileFilter{
		Statuses: []domain.TileStatus{domain.TileStatusPendingAnalysis, domain.TileStatusPendingGeneration},
	})
	if err != nil {
		return fmt.Errorf("list pending tiles: %w", err)
	}

	live := make(map[string]bool)
	scheduled := 0
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(w.cfg.DispatchParallelism)

	for _, tile := range tiles {
		if scheduled >= w.cfg.DispatchBatchSize {
			break
		}
		ok, known := live[tile.JobID]
		if !known {
			job, err := w.registry.GetJob(ctx, tile.JobID)
			switch {
			case errors.Is(err, registry.ErrJobNotFound):
				ok = false
			case err != nil:
				mu.Lock()
				errs = append(errs, fmt.Errorf("load job %s: %w", tile.JobID, err))
				mu.Unlock()
				continue
			default:
				ok = !job.Status.Terminal()
			}
			live[tile.JobID] = ok
		}
		if !ok {
			continue
		}

		scheduled++
		taskType := dispatchTasks[tile.Status]
		g.Go(func() error {
			err := w.trigger.Invoke(ctx, queue.Invocation{
				Type:      taskType,
				Payload:   queue.TilePayload{JobID: tile.JobID, TileID: tile.ID},
				DedupeKey: taskType + ":" + tile.ID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("dispatch tile %s: %w", tile.ID, err))
				return nil
			}
			report.DispatchedTiles++
			w.metrics.observeDispatched(taskType)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// triggerCompositor starts compositing for jobs whose tiles are all complete
// and re-invokes the compositor for compositing jobs whose lease lapsed.
func (w *Watchdog) triggerCompositor(ctx context.Context, now time.Time, report *Report) error {
	jobs, err := w.registry.ListJobs(ctx, registry.JobFilter{
		Statuses: []domain.JobStatus{
			domain.JobStatusQueuedForGeneration,
			domain.JobStatusGenerating,
			domain.JobStatusCompositing,
		},
	})
	if err != nil {
		return fmt.Errorf("list compositable jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if job.Status == domain.JobStatusCompositing {
			if err := w.resumeCompositor(ctx, now, job, report); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		counts, err := w.registry.CountTilesByStatus(ctx, job.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("count tiles for job %s: %w", job.ID, err))
			continue
		}
		if counts.Total() == 0 || counts.Complete() < counts.Total() {
			continue
		}

		_, applied, err := w.registry.UpdateJob(ctx, job.ID, registry.JobUpdate{
			Status:     domain.JobStatusCompositing,
			IfStatuses: []domain.JobStatus{job.Status},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("start compositing job %s: %w", job.ID, err))
			continue
		}
		if !applied {
			continue
		}
		report.CompositeStarted = append(report.CompositeStarted, job.ID)
		w.metrics.observeComposite("start")

		if err := w.invokeCompositor(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		w.logger.Info().Str("job_id", job.ID).Int("tiles", counts.Total()).Msg("compositing started")
	}
	return errors.Join(errs...)
}

func (w *Watchdog) resumeCompositor(ctx context.Context, now time.Time, job domain.Job, report *Report) error {
	if job.Lease.HeldAt(now) {
		return nil
	}
	idleSince := job.UpdatedAt
	if job.Lease.ExpiresAt.After(idleSince) {
		idleSince = job.Lease.ExpiresAt
	}
	if now.Sub(idleSince) < w.cfg.CompositeLeaseGrace {
		return nil
	}

	if err := w.invokeCompositor(ctx, job.ID); err != nil {
		return err
	}
	report.CompositeResumed = append(report.CompositeResumed, job.ID)
	w.metrics.observeComposite("resume")
	w.logger.Warn().
		Str("job_id", job.ID).
		Int("next_tile_index", job.Checkpoint.NextTileIndex).
		Str("owner", job.Lease.Owner).
		Msg("compositor lease lapsed; resuming")
	return nil
}

func (w *Watchdog) invokeCompositor(ctx context.Context, jobID string) error {
	err := w.trigger.Invoke(ctx, queue.Invocation{
		Type: queue.TypeComposite,
		Payload: queue.CompositePayload{
			JobID:       jobID,
			RequestedAt: w.now(),
		},
	})
	if err != nil {
		return fmt.Errorf("invoke compositor for job %s: %w", jobID, err)
	}
	return nil
}
