package domain

import (
	"image"
	"strings"
	"time"
)

// ResultRef locates a generated tile: either a blob in the object store or an
// external URL returned by the generator.
type ResultRef struct {
	Bucket string
	Key    string
	URL    string
}

func (r ResultRef) IsBlob() bool {
	return strings.TrimSpace(r.Key) != ""
}

func (r ResultRef) Empty() bool {
	return !r.IsBlob() && strings.TrimSpace(r.URL) == ""
}

type Tile struct {
	ID     string
	JobID  string
	Index  int
	Status TileStatus
	// Origin is the top-left corner in source-resolution pixels. Nil when
	// the slicer never recorded coordinates.
	Origin    *image.Point
	Result    ResultRef
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cell is a tile's position in the job grid.
type Cell struct {
	Row int
	Col int
}

// QuantizeCell maps a source-pixel origin onto the grid. Ceil division keeps
// a final tile that the slicer clamped to the image edge (origin W-tileSize)
// in its own column instead of colliding with its left neighbor.
func QuantizeCell(origin image.Point, step int) Cell {
	if step <= 0 {
		step = 1
	}
	return Cell{
		Row: ceilDiv(max(0, origin.Y), step),
		Col: ceilDiv(max(0, origin.X), step),
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
