package ingest

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/tagfile"
)

// positionPriority is the order in which pairs are chosen from an epoch.
var positionPriority = []tagfile.PositionKind{tagfile.Blade, tagfile.Track, tagfile.Wheel}

func epochPair(e tagfile.Epoch) (tagfile.Pair, bool) {
	for _, kind := range positionPriority {
		if p, ok := e.Pair(kind); ok {
			return p, true
		}
	}
	return tagfile.Pair{}, false
}

func pairWidth(p tagfile.Pair) float64 {
	return math.Hypot(p.RightE-p.LeftE, p.RightN-p.LeftN)
}

// swather turns consecutive epochs into cell passes. Each epoch after the
// first of a run covers the quadrilateral between the previous and the
// current left/right pair; every cell whose centre lies inside receives one
// pass stamped with the current epoch.
type swather struct {
	cellSize  float64
	machineID uint16

	prev     tagfile.Pair
	prevTime int64 // unix nanoseconds
	havePrev bool

	skipped int
}

func (s *swather) epoch(e tagfile.Epoch, out []sitemodel.CellWrite) []sitemodel.CellWrite {
	pair, ok := epochPair(e)
	if !ok || pairWidth(pair) > MaxSwathWidth {
		s.skipped++
		s.havePrev = false
		return out
	}
	t := e.Time.UnixNano()
	prev, prevTime, had := s.prev, s.prevTime, s.havePrev
	s.prev, s.prevTime, s.havePrev = pair, t, true
	if !had || t-prevTime > int64(MaxEpochGap) {
		return out
	}

	quad := []r2.Point{
		{X: prev.LeftE, Y: prev.LeftN},
		{X: prev.RightE, Y: prev.RightN},
		{X: pair.RightE, Y: pair.RightN},
		{X: pair.LeftE, Y: pair.LeftN},
	}
	area := filter.SpatialFilter{Polygon: quad}
	extents, ok := area.Footprint(s.cellSize)
	if !ok {
		return out
	}
	for cy := extents.MinY; cy <= extents.MaxY; cy++ {
		for cx := extents.MinX; cx <= extents.MaxX; cx++ {
			if !area.ContainsCell(cx, cy, s.cellSize) {
				continue
			}
			x, y := subgridtree.CellCenter(cx, cy, s.cellSize)
			p := e.Values
			p.Time = e.Time
			p.MachineID = s.machineID
			p.Height = float32(heightAcross(pair, x, y))
			out = append(out, sitemodel.CellWrite{CellX: cx, CellY: cy, Pass: p})
		}
	}
	return out
}

// heightAcross interpolates the pair's elevation at the projection of
// (x, y) onto the left to right segment.
func heightAcross(p tagfile.Pair, x, y float64) float64 {
	dx, dy := p.RightE-p.LeftE, p.RightN-p.LeftN
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return (p.LeftH + p.RightH) / 2
	}
	t := ((x-p.LeftE)*dx + (y-p.LeftN)*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return p.LeftH + t*(p.RightH-p.LeftH)
}
