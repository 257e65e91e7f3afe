package filter

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"

	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// SpatialFilter restricts a query to cells whose centres fall inside a
// rectangle or a polygon, both in grid metres. With neither set the filter
// covers everything.
type SpatialFilter struct {
	Rect    *r2.Rect
	Polygon []r2.Point
}

// IsEmpty reports whether the filter places no spatial restriction.
func (s SpatialFilter) IsEmpty() bool { return s.Rect == nil && len(s.Polygon) == 0 }

// Validate checks that a polygon has at least three vertices and a
// rectangle is not inverted.
func (s SpatialFilter) Validate() error {
	if s.Rect != nil && !s.Rect.IsValid() {
		return fmt.Errorf("%w: inverted rectangle", ErrInvalidFilter)
	}
	if len(s.Polygon) > 0 && len(s.Polygon) < 3 {
		return fmt.Errorf("%w: polygon needs at least 3 vertices, got %d", ErrInvalidFilter, len(s.Polygon))
	}
	return nil
}

// Bound returns the rectangle enclosing the filter's shape.
func (s SpatialFilter) Bound() r2.Rect {
	b := r2.EmptyRect()
	if s.Rect != nil {
		b = *s.Rect
	}
	if len(s.Polygon) > 0 {
		p := r2.RectFromPoints(s.Polygon...)
		if s.Rect != nil {
			b = b.Intersection(p)
		} else {
			b = p
		}
	}
	return b
}

// Footprint returns the cell extents covering the filter. ok is false when
// the filter lies entirely outside the addressable area.
func (s SpatialFilter) Footprint(cellSize float64) (extents subgridtree.CellExtents, ok bool) {
	if s.IsEmpty() {
		return subgridtree.FullExtents, true
	}
	b := s.Bound()
	if b.IsEmpty() {
		return subgridtree.CellExtents{}, false
	}
	minX, minY := toCell(b.X.Lo, cellSize), toCell(b.Y.Lo, cellSize)
	maxX, maxY := toCell(b.X.Hi, cellSize), toCell(b.Y.Hi, cellSize)
	if maxX < 0 || maxY < 0 || minX > subgridtree.MaxCellIndex || minY > subgridtree.MaxCellIndex {
		return subgridtree.CellExtents{}, false
	}
	return subgridtree.CellExtents{
		MinX: clampCell(minX),
		MinY: clampCell(minY),
		MaxX: clampCell(maxX),
		MaxY: clampCell(maxY),
	}, true
}

// ContainsCell reports whether the centre of a cell lies inside the filter.
func (s SpatialFilter) ContainsCell(cellX, cellY uint32, cellSize float64) bool {
	if s.IsEmpty() {
		return true
	}
	x, y := subgridtree.CellCenter(cellX, cellY, cellSize)
	p := r2.Point{X: x, Y: y}
	if s.Rect != nil && !s.Rect.ContainsPoint(p) {
		return false
	}
	if len(s.Polygon) > 0 && !polygonContains(s.Polygon, p) {
		return false
	}
	return true
}

func toCell(v, cellSize float64) int64 {
	return int64(math.Floor(v/cellSize)) + subgridtree.IndexOriginOffset
}

func clampCell(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > subgridtree.MaxCellIndex {
		return subgridtree.MaxCellIndex
	}
	return uint32(v)
}

// polygonContains is the even-odd ray crossing test.
func polygonContains(poly []r2.Point, p r2.Point) bool {
	in := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			in = !in
		}
	}
	return in
}
