package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
)

type MemoryRegistry struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	tiles map[string]domain.Tile
	limit *int
	now   func() time.Time
}

type MemoryOption func(*MemoryRegistry)

func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		r.now = now
	}
}

func WithConcurrencyLimit(limit int) MemoryOption {
	return func(r *MemoryRegistry) {
		r.limit = &limit
	}
}

func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		jobs:  make(map[string]domain.Job),
		tiles: make(map[string]domain.Tile),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) CreateJob(_ context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *MemoryRegistry) GetJob(_ context.Context, id string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (r *MemoryRegistry) ClaimJob(_ context.Context, id string, claim LeaseClaim) (domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false, ErrJobNotFound
	}

	now := r.now()
	if !slices.Contains(claim.Statuses, job.Status) {
		return job, false, nil
	}
	if job.Lease.HeldAt(now) && job.Lease.Owner != claim.Owner {
		return job, false, nil
	}

	job.Lease = domain.Lease{Owner: claim.Owner, ExpiresAt: now.Add(claim.TTL)}
	job.UpdatedAt = now
	r.jobs[id] = job
	return job, true, nil
}

func (r *MemoryRegistry) UpdateJob(_ context.Context, id string, update JobUpdate) (domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false, ErrJobNotFound
	}
	if !jobUpdateApplies(job, update) {
		return job, false, nil
	}

	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.FinalKey != nil {
		job.FinalKey = *update.FinalKey
	}
	if update.FinalURL != nil {
		job.FinalURL = *update.FinalURL
	}
	if update.Checkpoint != nil {
		job.Checkpoint = *update.Checkpoint
	}
	if update.ClearCheckpoint {
		job.Checkpoint = domain.Checkpoint{}
	}
	if update.LeaseExpiresAt != nil {
		job.Lease.ExpiresAt = *update.LeaseExpiresAt
	}
	if update.ReleaseLease {
		job.Lease = domain.Lease{}
	}
	job.UpdatedAt = r.now()

	r.jobs[id] = job
	return job, true, nil
}

func jobUpdateApplies(job domain.Job, update JobUpdate) bool {
	if update.Status != "" && !job.Status.CanTransition(update.Status) {
		return false
	}
	if len(update.IfStatuses) > 0 && !slices.Contains(update.IfStatuses, job.Status) {
		return false
	}
	if update.IfLeaseOwner != "" && job.Lease.Owner != update.IfLeaseOwner {
		return false
	}
	if !update.IfUpdatedBefore.IsZero() && !job.UpdatedAt.Before(update.IfUpdatedBefore) {
		return false
	}
	if update.Checkpoint != nil && update.Checkpoint.NextTileIndex < job.Checkpoint.NextTileIndex {
		return false
	}
	return true
}

func (r *MemoryRegistry) ListJobs(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Job
	for _, job := range r.jobs {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, job)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRegistry) CountJobs(_ context.Context, statuses []domain.JobStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, job := range r.jobs {
		if slices.Contains(statuses, job.Status) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRegistry) CreateTiles(_ context.Context, tiles []domain.Tile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tile := range tiles {
		if _, ok := r.jobs[tile.JobID]; !ok {
			return fmt.Errorf("create tile %s: %w", tile.ID, ErrJobNotFound)
		}
		if _, exists := r.tiles[tile.ID]; exists {
			return fmt.Errorf("create tile %s: already exists", tile.ID)
		}
	}
	for _, tile := range tiles {
		r.tiles[tile.ID] = tile
	}
	return nil
}

func (r *MemoryRegistry) GetTiles(_ context.Context, filter TileFilter) ([]domain.Tile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Tile
	for _, tile := range r.tiles {
		if filter.JobID != "" && tile.JobID != filter.JobID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, tile.Status) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !tile.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, tile)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRegistry) UpdateTile(_ context.Context, id string, update TileUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tile, ok := r.tiles[id]
	if !ok {
		return false, ErrTileNotFound
	}
	if update.Status != "" && !tile.Status.CanTransition(update.Status) {
		return false, nil
	}
	if !update.IfUpdatedBefore.IsZero() && !tile.UpdatedAt.Before(update.IfUpdatedBefore) {
		return false, nil
	}

	if update.Status != "" {
		tile.Status = update.Status
	}
	if update.Error != nil {
		tile.Error = *update.Error
	}
	if update.Result != nil {
		tile.Result = *update.Result
	}
	tile.UpdatedAt = r.now()
	r.tiles[id] = tile
	return true, nil
}

func (r *MemoryRegistry) CountTilesByStatus(_ context.Context, jobID string) (TileCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(TileCounts)
	for _, tile := range r.tiles {
		if tile.JobID == jobID {
			counts[tile.Status]++
		}
	}
	return counts, nil
}

func (r *MemoryRegistry) ConcurrencyLimit(_ context.Context, fallback int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.limit == nil {
		return fallback, nil
	}
	return *r.limit, nil
}
