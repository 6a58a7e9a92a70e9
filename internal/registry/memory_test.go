package registry

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedJob(t *testing.T, r *MemoryRegistry, id string, status domain.JobStatus, at time.Time) domain.Job {
	t.Helper()
	job := domain.Job{
		ID:           id,
		Status:       status,
		CanvasWidth:  1024,
		CanvasHeight: 1024,
		Scale:        2,
		TileMode:     domain.TileModeFixed,
		Engine:       domain.EngineTiled,
		TileSize:     768,
		TileOverlap:  96,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	require.NoError(t, r.CreateJob(context.Background(), job))
	return job
}

func TestClaimJobSingleWinner(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(WithClock(clock.Now))
	seedJob(t, r, "job-1", domain.JobStatusCompositing, clock.Now())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := r.ClaimJob(context.Background(), "job-1", LeaseClaim{
				Owner:    string(rune('a' + i)),
				TTL:      time.Minute,
				Statuses: []domain.JobStatus{domain.JobStatusCompositing},
			})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimJobLeaseRules(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(WithClock(clock.Now))
	seedJob(t, r, "job-1", domain.JobStatusCompositing, clock.Now())
	seedJob(t, r, "job-2", domain.JobStatusGenerating, clock.Now())

	claim := LeaseClaim{Owner: "owner-a", TTL: time.Minute, Statuses: []domain.JobStatus{domain.JobStatusCompositing}}

	job, ok, err := r.ClaimJob(ctx, "job-1", claim)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "owner-a", job.Lease.Owner)

	_, ok, err = r.ClaimJob(ctx, "job-1", LeaseClaim{Owner: "owner-b", TTL: time.Minute, Statuses: claim.Statuses})
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block other owners")

	_, ok, err = r.ClaimJob(ctx, "job-1", claim)
	require.NoError(t, err)
	assert.True(t, ok, "same owner may re-claim")

	clock.Advance(2 * time.Minute)
	job, ok, err = r.ClaimJob(ctx, "job-1", LeaseClaim{Owner: "owner-b", TTL: time.Minute, Statuses: claim.Statuses})
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")
	assert.Equal(t, "owner-b", job.Lease.Owner)

	_, ok, err = r.ClaimJob(ctx, "job-2", claim)
	require.NoError(t, err)
	assert.False(t, ok, "status predicate must hold")

	_, _, err = r.ClaimJob(ctx, "missing", claim)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUpdateJobConditions(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(WithClock(clock.Now))
	seedJob(t, r, "job-1", domain.JobStatusCompositing, clock.Now())

	_, ok, err := r.ClaimJob(ctx, "job-1", LeaseClaim{Owner: "a", TTL: time.Minute, Statuses: []domain.JobStatus{domain.JobStatusCompositing}})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.UpdateJob(ctx, "job-1", JobUpdate{Checkpoint: &domain.Checkpoint{Key: "cp", NextTileIndex: 4}, IfLeaseOwner: "b"})
	require.NoError(t, err)
	assert.False(t, ok, "foreign owner cannot write")

	job, ok, err := r.UpdateJob(ctx, "job-1", JobUpdate{Checkpoint: &domain.Checkpoint{Key: "cp", NextTileIndex: 4}, IfLeaseOwner: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, job.Checkpoint.NextTileIndex)

	_, ok, err = r.UpdateJob(ctx, "job-1", JobUpdate{Checkpoint: &domain.Checkpoint{Key: "cp", NextTileIndex: 2}, IfLeaseOwner: "a"})
	require.NoError(t, err)
	assert.False(t, ok, "next tile index never moves backwards")

	_, ok, err = r.UpdateJob(ctx, "job-1", JobUpdate{Status: domain.JobStatusGenerating})
	require.NoError(t, err)
	assert.False(t, ok, "illegal transition rejected")

	job, ok, err = r.UpdateJob(ctx, "job-1", JobUpdate{
		Status:          domain.JobStatusComplete,
		FinalURL:        StringPtr("https://cdn/final.jpg"),
		ReleaseLease:    true,
		ClearCheckpoint: true,
		IfLeaseOwner:    "a",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusComplete, job.Status)
	assert.Empty(t, job.Lease.Owner)
	assert.Equal(t, domain.Checkpoint{}, job.Checkpoint)

	_, ok, err = r.UpdateJob(ctx, "job-1", JobUpdate{Status: domain.JobStatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs stay terminal")
}

func TestUpdateJobIfUpdatedBefore(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	r := NewMemoryRegistry(WithClock(clock.Now))
	seedJob(t, r, "job-1", domain.JobStatusGenerating, start)

	_, ok, err := r.UpdateJob(ctx, "job-1", JobUpdate{Status: domain.JobStatusFailed, IfUpdatedBefore: start})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.UpdateJob(ctx, "job-1", JobUpdate{Status: domain.JobStatusFailed, IfUpdatedBefore: start.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTilesLifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	r := NewMemoryRegistry(WithClock(clock.Now))
	seedJob(t, r, "job-1", domain.JobStatusGenerating, start)

	tiles := []domain.Tile{
		{ID: "t0", JobID: "job-1", Index: 0, Status: domain.TileStatusGenerating, Origin: &image.Point{}, UpdatedAt: start},
		{ID: "t1", JobID: "job-1", Index: 1, Status: domain.TileStatusComplete, Origin: &image.Point{X: 672}, UpdatedAt: start},
		{ID: "t2", JobID: "job-1", Index: 2, Status: domain.TileStatusPendingGeneration, UpdatedAt: start},
	}
	require.NoError(t, r.CreateTiles(ctx, tiles))
	assert.Error(t, r.CreateTiles(ctx, []domain.Tile{{ID: "orphan", JobID: "nope"}}))

	counts, err := r.CountTilesByStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total())
	assert.Equal(t, 1, counts.Complete())

	got, err := r.GetTiles(ctx, TileFilter{JobID: "job-1", Statuses: []domain.TileStatus{domain.TileStatusComplete}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)

	ok, err := r.UpdateTile(ctx, "t0", TileUpdate{Status: domain.TileStatusPendingGeneration})
	require.NoError(t, err)
	assert.False(t, ok, "generating cannot go back to pending")

	ok, err = r.UpdateTile(ctx, "t0", TileUpdate{Status: domain.TileStatusGenerationFailed, Error: StringPtr("stalled")})
	require.NoError(t, err)
	assert.True(t, ok)

	counts, err = r.CountTilesByStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed())

	_, err = r.UpdateTile(ctx, "missing", TileUpdate{})
	assert.ErrorIs(t, err, ErrTileNotFound)
}

func TestListAndCountJobs(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewMemoryRegistry(WithConcurrencyLimit(7))
	seedJob(t, r, "c", domain.JobStatusPending, base.Add(2*time.Second))
	seedJob(t, r, "a", domain.JobStatusPending, base)
	seedJob(t, r, "b", domain.JobStatusGenerating, base.Add(time.Second))

	pending, err := r.ListJobs(ctx, JobFilter{Statuses: []domain.JobStatus{domain.JobStatusPending}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	active, err := r.CountJobs(ctx, domain.ActiveJobStatuses)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	limit, err := r.ConcurrencyLimit(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, limit)

	limit, err = NewMemoryRegistry().ConcurrencyLimit(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, limit)
}
