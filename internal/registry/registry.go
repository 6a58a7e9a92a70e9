package registry

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrTileNotFound = errors.New("tile not found")
)

// Registry is the durable record of jobs and tiles. Every conditional update
// is a single compare-and-set: the returned bool reports whether the
// conditions held and the write was applied.
type Registry interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ClaimJob(ctx context.Context, id string, claim LeaseClaim) (domain.Job, bool, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) (domain.Job, bool, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	CountJobs(ctx context.Context, statuses []domain.JobStatus) (int, error)

	CreateTiles(ctx context.Context, tiles []domain.Tile) error
	GetTiles(ctx context.Context, filter TileFilter) ([]domain.Tile, error)
	UpdateTile(ctx context.Context, id string, update TileUpdate) (bool, error)
	CountTilesByStatus(ctx context.Context, jobID string) (TileCounts, error)

	// ConcurrencyLimit returns the configured global cap on active jobs,
	// or fallback when none is stored.
	ConcurrencyLimit(ctx context.Context, fallback int) (int, error)
}

// LeaseClaim makes Owner the lease holder until now+TTL, provided the job is
// in one of Statuses and its lease is free, expired, or already Owner's.
type LeaseClaim struct {
	Owner    string
	TTL      time.Duration
	Statuses []domain.JobStatus
}

type JobUpdate struct {
	// Status, when set, must be a legal transition from the current status.
	Status          domain.JobStatus
	Error           *string
	FinalKey        *string
	FinalURL        *string
	Checkpoint      *domain.Checkpoint
	ClearCheckpoint bool
	LeaseExpiresAt  *time.Time
	ReleaseLease    bool

	IfStatuses      []domain.JobStatus
	IfLeaseOwner    string
	IfUpdatedBefore time.Time
}

type JobFilter struct {
	Statuses      []domain.JobStatus
	UpdatedBefore time.Time
	Limit         int
}

type TileFilter struct {
	JobID         string
	Statuses      []domain.TileStatus
	UpdatedBefore time.Time
	Limit         int
}

type TileUpdate struct {
	Status domain.TileStatus
	Error  *string
	Result *domain.ResultRef

	IfUpdatedBefore time.Time
}

type TileCounts map[domain.TileStatus]int

func (c TileCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

func (c TileCounts) Complete() int {
	return c[domain.TileStatusComplete]
}

func (c TileCounts) Failed() int {
	total := 0
	for _, s := range domain.FailedTileStatuses {
		total += c[s]
	}
	return total
}

func StringPtr(s string) *string {
	return &s
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
