package compositor

import (
	"image"
	"sort"

	"github.com/dunamismax/tileforge/internal/domain"
)

type placedTile struct {
	domain.Tile
	Cell domain.Cell
}

type grid struct {
	tiles    []placedTile
	occupied map[domain.Cell]struct{}
	rows     int
	cols     int
}

// splitValid separates tiles that can be composited from those lacking
// coordinates or a result pointer.
func splitValid(tiles []domain.Tile) (valid, invalid []domain.Tile) {
	for _, tile := range tiles {
		if tile.Origin == nil || tile.Result.Empty() {
			invalid = append(invalid, tile)
			continue
		}
		valid = append(valid, tile)
	}
	return valid, invalid
}

// arrange quantizes tiles onto the job grid, orders them row-major, and
// requires every cell of the bounding rectangle to be filled exactly once.
func arrange(job domain.Job, tiles []domain.Tile) (grid, error) {
	step := job.GridStep()
	g := grid{
		tiles:    make([]placedTile, 0, len(tiles)),
		occupied: make(map[domain.Cell]struct{}, len(tiles)),
	}

	owners := make(map[domain.Cell]string, len(tiles))
	for _, tile := range tiles {
		cell := domain.QuantizeCell(*tile.Origin, step)
		if other, dup := owners[cell]; dup {
			return grid{}, domain.Invalidf("tiles %s and %s both map to cell (%d,%d)", other, tile.ID, cell.Row, cell.Col)
		}
		owners[cell] = tile.ID
		g.occupied[cell] = struct{}{}
		g.tiles = append(g.tiles, placedTile{Tile: tile, Cell: cell})
		g.rows = max(g.rows, cell.Row+1)
		g.cols = max(g.cols, cell.Col+1)
	}

	if want := g.rows * g.cols; len(g.tiles) != want {
		return grid{}, domain.Invalidf("tile grid incomplete: %d of %d cells in %dx%d grid", len(g.tiles), want, g.rows, g.cols)
	}

	sort.Slice(g.tiles, func(i, j int) bool {
		a, b := g.tiles[i].Cell, g.tiles[j].Cell
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	return g, nil
}

func (g grid) hasLeft(c domain.Cell) bool {
	_, ok := g.occupied[domain.Cell{Row: c.Row, Col: c.Col - 1}]
	return ok
}

func (g grid) hasTop(c domain.Cell) bool {
	_, ok := g.occupied[domain.Cell{Row: c.Row - 1, Col: c.Col}]
	return ok
}

// placement maps a tile onto the canvas: its origin scaled to output pixels
// at the tile's nominal output size. Edge tiles may extend past the canvas;
// drawing crops them to the canvas bounds.
func placement(job domain.Job, origin image.Point) image.Rectangle {
	w, h := job.TileOutputSize()
	x := int(float64(origin.X)*job.Scale + 0.5)
	y := int(float64(origin.Y)*job.Scale + 0.5)
	if job.TileMode == domain.TileModeFull {
		x, y = 0, 0
	}
	return image.Rect(x, y, x+w, y+h)
}
