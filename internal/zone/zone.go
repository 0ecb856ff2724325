// Package zone maps court positions onto a rectangular grid of target zones.
//
// Zones are numbered row-major from zero starting at the court origin. Each
// cell is half-open, [k·w, (k+1)·w) along X and likewise along Y, so a point
// lying exactly on an internal grid line belongs to the cell whose lower
// edge that line is. Points on the far edges (x == width or y == height) are
// off the grid. Coordinates are never rounded.
package zone

import (
	"errors"
	"fmt"
	"math"

	"github.com/rallie-app/rallie/internal/court"
)

// ID identifies a zone. Valid IDs are in [0, cols*rows).
type ID int

// None is the ID reported for positions off the grid.
const None ID = -1

func (id ID) String() string {
	if id == None {
		return "none"
	}
	return fmt.Sprintf("zone %d", int(id))
}

// Grid describes the court area covered by zones and how it is divided.
type Grid struct {
	Width  float64 `json:"width_m" yaml:"width_m"`
	Height float64 `json:"height_m" yaml:"height_m"`
	Cols   int     `json:"cols" yaml:"cols"`
	Rows   int     `json:"rows" yaml:"rows"`
}

// DefaultGrid is the 4×4 grid over the service-line-to-baseline half court.
func DefaultGrid() Grid {
	return Grid{Width: court.SinglesWidth, Height: court.ServiceDepth, Cols: 4, Rows: 4}
}

var errInvalidGrid = errors.New("invalid zone grid")

// Validate reports whether the grid can map any point at all.
func (g Grid) Validate() error {
	switch {
	case !(g.Width > 0) || math.IsInf(g.Width, 0):
		return fmt.Errorf("%w: width %v must be positive", errInvalidGrid, g.Width)
	case !(g.Height > 0) || math.IsInf(g.Height, 0):
		return fmt.Errorf("%w: height %v must be positive", errInvalidGrid, g.Height)
	case g.Cols <= 0 || g.Rows <= 0:
		return fmt.Errorf("%w: %d×%d cells", errInvalidGrid, g.Cols, g.Rows)
	}
	return nil
}

// Count is the number of zones in the grid.
func (g Grid) Count() int {
	if g.Cols <= 0 || g.Rows <= 0 {
		return 0
	}
	return g.Cols * g.Rows
}

// ZoneFor is ZoneFor with the grid's dimensions.
func (g Grid) ZoneFor(p court.Point) (ID, bool) {
	return ZoneFor(p, g.Width, g.Height, g.Cols, g.Rows)
}

// Bounds returns the court rectangle covered by id as its minimum and
// maximum corners.
func (g Grid) Bounds(id ID) (lo, hi court.Point, ok bool) {
	if id < 0 || int(id) >= g.Count() {
		return court.Point{}, court.Point{}, false
	}
	cw, ch := g.Width/float64(g.Cols), g.Height/float64(g.Rows)
	col, row := int(id)%g.Cols, int(id)/g.Cols
	lo = court.Point{X: float64(col) * cw, Y: float64(row) * ch}
	hi = court.Point{X: float64(col+1) * cw, Y: float64(row+1) * ch}
	return lo, hi, true
}

// ZoneFor returns the zone containing p on a cols×rows grid spanning
// [0,width)×[0,height). ok is false, with None, when p is off the grid or
// the grid is invalid. Being off the grid is not an error.
func ZoneFor(p court.Point, width, height float64, cols, rows int) (ID, bool) {
	if cols <= 0 || rows <= 0 || !(width > 0) || !(height > 0) || !p.IsFinite() {
		return None, false
	}
	if p.X < 0 || p.X >= width || p.Y < 0 || p.Y >= height {
		return None, false
	}
	col := int(math.Floor(p.X / (width / float64(cols))))
	row := int(math.Floor(p.Y / (height / float64(rows))))
	// Division can round a point just below the far edge up to cols or rows.
	col = min(col, cols-1)
	row = min(row, rows-1)
	return ID(row*cols + col), true
}
