package domain

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceKey:    "sources/job-1.png",
		CanvasWidth:  2048,
		CanvasHeight: 2048,
		Scale:        2,
	}
	require.NoError(t, valid.Validate())

	err := CreateJobRequest{}.Validate()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	badMode := valid
	badMode.TileMode = "diagonal"
	assert.Error(t, badMode.Validate())

	overlapTooWide := valid
	overlapTooWide.TileSize = 128
	overlapTooWide.TileOverlap = intPtr(128)
	assert.Error(t, overlapTooWide.Validate())

	negativeOverlap := valid
	negativeOverlap.TileOverlap = intPtr(-1)
	assert.Error(t, negativeOverlap.Validate())
}

func intPtr(v int) *int { return &v }

func TestNewJobKeepsExplicitZeroOverlap(t *testing.T) {
	job, err := NewJob("job-1", CreateJobRequest{
		SourceKey:    "sources/job-1.png",
		CanvasWidth:  2048,
		CanvasHeight: 2048,
		Scale:        2,
		TileSize:     512,
		TileOverlap:  intPtr(0),
	}, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 0, job.TileOverlap)
	assert.Equal(t, 512, job.GridStep())
}

func TestNewJobAppliesDefaults(t *testing.T) {
	now := time.Now().UTC()
	job, err := NewJob("job-1", CreateJobRequest{
		SourceKey:    " sources/job-1.png ",
		CanvasWidth:  2048,
		CanvasHeight: 1024,
		Scale:        2,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "sources/job-1.png", job.SourceKey)
	assert.Equal(t, TileModeFixed, job.TileMode)
	assert.Equal(t, EngineTiled, job.Engine)
	assert.Equal(t, DefaultTileSize, job.TileSize)
	assert.Equal(t, DefaultTileOverlap, job.TileOverlap)
	assert.Equal(t, 672, job.GridStep())
}

func TestJobGeometry(t *testing.T) {
	job := Job{CanvasWidth: 2048, CanvasHeight: 2048, Scale: 2, TileMode: TileModeFixed, TileSize: 768, TileOverlap: 96}

	w, h := job.TileOutputSize()
	assert.Equal(t, 1536, w)
	assert.Equal(t, 1536, h)

	assert.Equal(t, 192, job.FeatherWidth(0))
	assert.Equal(t, 128, job.FeatherWidth(128))
	assert.Equal(t, 192, job.FeatherWidth(4096))

	tiny := Job{CanvasWidth: 4, CanvasHeight: 4, Scale: 1, TileMode: TileModeFixed, TileSize: 2, TileOverlap: 1}
	assert.Equal(t, 1, tiny.FeatherWidth(0))

	noOverlap := job
	noOverlap.TileOverlap = 0
	assert.Equal(t, 1, noOverlap.FeatherWidth(128))

	full := job
	full.TileMode = TileModeFull
	w, h = full.TileOutputSize()
	assert.Equal(t, 2048, w)
	assert.Equal(t, 2048, h)

	assert.NoError(t, job.ValidateGeometry())
	broken := job
	broken.CanvasHeight = 0
	assert.True(t, IsValidation(broken.ValidateGeometry()))
}

func TestLeaseHeldAt(t *testing.T) {
	now := time.Now()
	assert.False(t, Lease{}.HeldAt(now))
	assert.True(t, Lease{Owner: "a", ExpiresAt: now.Add(time.Second)}.HeldAt(now))
	assert.False(t, Lease{Owner: "a", ExpiresAt: now.Add(-time.Second)}.HeldAt(now))
}

func TestQuantizeCell(t *testing.T) {
	step := 672
	assert.Equal(t, Cell{Row: 0, Col: 0}, QuantizeCell(image.Pt(0, 0), step))
	assert.Equal(t, Cell{Row: 1, Col: 1}, QuantizeCell(image.Pt(672, 672), step))
	assert.Equal(t, Cell{Row: 0, Col: 2}, QuantizeCell(image.Pt(1344, 0), step))
	// A last tile clamped to the image edge still gets its own column.
	assert.Equal(t, Cell{Row: 0, Col: 1}, QuantizeCell(image.Pt(256, 0), step))
	assert.Equal(t, Cell{Row: 0, Col: 0}, QuantizeCell(image.Pt(-4, 0), step))
}
