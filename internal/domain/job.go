package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type TileMode string

const (
	// TileModeFixed slices the source into a grid of nominal-size tiles.
	TileModeFixed TileMode = "fixed"
	// TileModeFull sends the whole source as one tile.
	TileModeFull TileMode = "full"
)

type Engine string

const (
	EngineTiled      Engine = "tiled"
	EngineSingleShot Engine = "single_shot"
)

const (
	DefaultTileSize    = 768
	DefaultTileOverlap = 96
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreateJobRequest struct {
	SourceKey    string   `json:"source_key" validate:"required"`
	CanvasWidth  int      `json:"canvas_width" validate:"gt=0,lte=32768"`
	CanvasHeight int      `json:"canvas_height" validate:"gt=0,lte=32768"`
	Scale        float64  `json:"scale" validate:"gt=0,lte=16"`
	TileMode     TileMode `json:"tile_mode,omitempty" validate:"omitempty,oneof=fixed full"`
	Engine       Engine   `json:"engine,omitempty" validate:"omitempty,oneof=tiled single_shot"`
	TileSize     int      `json:"tile_size,omitempty" validate:"omitempty,gte=64,lte=4096"`
	// TileOverlap is a pointer so an explicit 0 (abutting tiles) is kept
	// rather than replaced by the default.
	TileOverlap *int   `json:"tile_overlap,omitempty" validate:"omitempty,gte=0"`
	WebhookURL  string `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

func (r CreateJobRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return Invalidf("%v", err)
	}
	size := r.TileSize
	if size == 0 {
		size = DefaultTileSize
	}
	if r.TileOverlap != nil && *r.TileOverlap >= size {
		return Invalidf("tile_overlap must be smaller than tile_size")
	}
	return nil
}

// Checkpoint points at the partially composited canvas of a job.
// NextTileIndex only advances after the canvas blob is durably written.
type Checkpoint struct {
	Key           string
	NextTileIndex int
}

type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

func (l Lease) HeldAt(now time.Time) bool {
	return l.Owner != "" && l.ExpiresAt.After(now)
}

type Job struct {
	ID           string
	Status       JobStatus
	SourceKey    string
	CanvasWidth  int
	CanvasHeight int
	Scale        float64
	TileMode     TileMode
	Engine       Engine
	TileSize     int
	TileOverlap  int
	WebhookURL   string
	Checkpoint   Checkpoint
	Lease        Lease
	FinalKey     string
	FinalURL     string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewJob(id string, req CreateJobRequest, now time.Time) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}

	job := Job{
		ID:           id,
		Status:       JobStatusPending,
		SourceKey:    strings.TrimSpace(req.SourceKey),
		CanvasWidth:  req.CanvasWidth,
		CanvasHeight: req.CanvasHeight,
		Scale:        req.Scale,
		TileMode:     req.TileMode,
		Engine:       req.Engine,
		TileSize:     req.TileSize,
		WebhookURL:   strings.TrimSpace(req.WebhookURL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.TileMode == "" {
		job.TileMode = TileModeFixed
	}
	if job.Engine == "" {
		job.Engine = EngineTiled
	}
	if job.TileSize == 0 {
		job.TileSize = DefaultTileSize
	}
	if req.TileOverlap != nil {
		job.TileOverlap = *req.TileOverlap
	} else {
		job.TileOverlap = min(DefaultTileOverlap, job.TileSize/8)
	}
	return job, nil
}

// GridStep is the quantization step for tile origins, in source pixels.
func (j Job) GridStep() int {
	return max(1, j.TileSize-j.TileOverlap)
}

// TileOutputSize is the pixel size every generated tile is resized to before
// placement on the canvas.
func (j Job) TileOutputSize() (int, int) {
	if j.TileMode == TileModeFull {
		return j.CanvasWidth, j.CanvasHeight
	}
	side := int(math.Round(float64(j.TileSize) * j.Scale))
	return side, side
}

// FeatherWidth is the width of the alpha ramp applied to a tile's left and
// top edges: min(scaled overlap, maxFeather, tileSide-1), at least 1.
func (j Job) FeatherWidth(maxFeather int) int {
	w, h := j.TileOutputSize()
	side := min(w, h)

	width := int(math.Round(float64(j.TileOverlap) * j.Scale))
	if maxFeather > 0 {
		width = min(width, maxFeather)
	}
	width = min(width, side-1)
	return max(1, width)
}

func (j Job) ValidateGeometry() error {
	if j.CanvasWidth <= 0 || j.CanvasHeight <= 0 {
		return Invalidf("canvas dimensions must be positive, got %dx%d", j.CanvasWidth, j.CanvasHeight)
	}
	if j.Scale <= 0 {
		return Invalidf("scale must be positive, got %v", j.Scale)
	}
	if j.TileMode == TileModeFixed && j.TileSize <= 0 {
		return Invalidf("tile size must be positive, got %d", j.TileSize)
	}
	return nil
}

func (j Job) String() string {
	return fmt.Sprintf("job[%s %s %dx%d]", j.ID, j.Status, j.CanvasWidth, j.CanvasHeight)
}
