// Package aggregation merges per-cell values into query summaries. An
// Aggregator is a value: Accumulate and AggregateWith return new values and
// never modify their inputs, so partial results computed on different
// workers can be merged in any order and any grouping.
package aggregation

import (
	"fmt"
	"math"
	"time"

	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// Kind selects what an Aggregator summarises.
type Kind uint8

const (
	KindCCV Kind = iota + 1
	KindMDP
	KindPassCount
	KindTemperature
	KindCutFill
	KindElevation
	KindCellDatum
)

var kindNames = map[Kind]string{
	KindCCV:         "ccv",
	KindMDP:         "mdp",
	KindPassCount:   "pass_count",
	KindTemperature: "temperature",
	KindCutFill:     "cut_fill",
	KindElevation:   "elevation",
	KindCellDatum:   "cell_datum",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a String form back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown summary kind %q", s)
}

// Banded reports whether the kind counts cells below, within and above a
// target range.
func (k Kind) Banded() bool {
	return k == KindCCV || k == KindMDP || k == KindPassCount || k == KindTemperature
}

// Config parameterises an Aggregator. It is identical on every partial of
// one query.
type Config struct {
	Kind     Kind
	CellSize float64

	// TargetMin and TargetMax bound the "within target" band of banded
	// kinds, inclusive, in the attribute's stored units.
	TargetMin, TargetMax int32

	// ReferenceElevation and Tolerance drive KindCutFill, in millimetres.
	ReferenceElevation int64
	Tolerance          int64
}

// CellValue is the filtered value of one cell as produced by a worker.
type CellValue struct {
	CellX, CellY uint32
	Value        int32   // attribute value or pass count
	Height       float32 // metres, cellpass.NullHeight when unknown
	Time         time.Time
}

// SubGridResult is a worker's output for one leaf.
type SubGridResult struct {
	Origin subgridtree.Origin
	Cells  []CellValue
}

// Aggregator accumulates a summary. All state is integral so merging is
// exact.
type Aggregator struct {
	Config

	// Aggregated values
	Cells                int64
	Below, Within, Above int64
	Sum                  int64
	Min, Max             int64
	CutMM, FillMM        int64 // summed depth over cut and fill cells

	// KindCellDatum only
	Datum    CellValue
	HasDatum bool
}

// New returns an empty aggregator.
func New(cfg Config) Aggregator {
	return Aggregator{Config: cfg, Min: math.MaxInt64, Max: math.MinInt64}
}

// HeightMM converts a height in metres to whole millimetres.
func HeightMM(h float32) int64 {
	return int64(math.Round(float64(h) * 1000))
}

// Accumulate folds the cells of one subgrid result into a copy of a.
func (a Aggregator) Accumulate(r SubGridResult) Aggregator {
	for _, c := range r.Cells {
		a = a.add(c)
	}
	return a
}

func (a Aggregator) add(c CellValue) Aggregator {
	var v int64
	switch a.Kind {
	case KindCutFill, KindElevation:
		v = HeightMM(c.Height)
	default:
		v = int64(c.Value)
	}

	a.Cells++
	a.Sum += v
	a.Min = min(a.Min, v)
	a.Max = max(a.Max, v)

	switch {
	case a.Kind.Banded():
		switch {
		case v < int64(a.TargetMin):
			a.Below++
		case v > int64(a.TargetMax):
			a.Above++
		default:
			a.Within++
		}
	case a.Kind == KindCutFill:
		diff := v - a.ReferenceElevation
		switch {
		case diff > a.Tolerance:
			a.Above++
			a.CutMM += diff
		case diff < -a.Tolerance:
			a.Below++
			a.FillMM -= diff
		default:
			a.Within++
		}
	case a.Kind == KindCellDatum:
		if !a.HasDatum || datumBefore(a.Datum, c) {
			a.Datum, a.HasDatum = c, true
		}
	}
	return a
}

// datumBefore orders candidate datums: later time wins, then the lower
// cell address, value and height.
func datumBefore(cur, next CellValue) bool {
	switch {
	case !cur.Time.Equal(next.Time):
		return cur.Time.Before(next.Time)
	case cur.CellX != next.CellX:
		return next.CellX < cur.CellX
	case cur.CellY != next.CellY:
		return next.CellY < cur.CellY
	case cur.Value != next.Value:
		return next.Value < cur.Value
	}
	return next.Height < cur.Height
}

// AggregateWith merges two partials of the same query. The result does not
// depend on argument order or grouping.
func (a Aggregator) AggregateWith(b Aggregator) Aggregator {
	out := a
	out.Cells += b.Cells
	out.Below += b.Below
	out.Within += b.Within
	out.Above += b.Above
	out.Sum += b.Sum
	out.Min = min(a.Min, b.Min)
	out.Max = max(a.Max, b.Max)
	out.CutMM += b.CutMM
	out.FillMM += b.FillMM
	if b.HasDatum && (!a.HasDatum || datumBefore(a.Datum, b.Datum)) {
		out.Datum, out.HasDatum = b.Datum, true
	}
	return out
}

// Summary is the caller-facing form of an Aggregator.
type Summary struct {
	Kind          string     `json:"kind"`
	Cells         int64      `json:"cells"`
	AreaM2        float64    `json:"area_m2"`
	PercentBelow  float64    `json:"percent_below"`
	PercentWithin float64    `json:"percent_within"`
	PercentAbove  float64    `json:"percent_above"`
	Mean          float64    `json:"mean"`
	Min           int64      `json:"min"`
	Max           int64      `json:"max"`
	CutVolumeM3   float64    `json:"cut_volume_m3,omitempty"`
	FillVolumeM3  float64    `json:"fill_volume_m3,omitempty"`
	Datum         *CellValue `json:"datum,omitempty"`
}

// Summary computes percentages, area and volumes. Heights are reported in
// millimetres.
func (a Aggregator) Summary() Summary {
	s := Summary{Kind: a.Kind.String(), Cells: a.Cells}
	cellArea := a.CellSize * a.CellSize
	s.AreaM2 = float64(a.Cells) * cellArea
	if a.Cells > 0 {
		n := float64(a.Cells)
		s.PercentBelow = 100 * float64(a.Below) / n
		s.PercentWithin = 100 * float64(a.Within) / n
		s.PercentAbove = 100 * float64(a.Above) / n
		s.Mean = float64(a.Sum) / n
		s.Min, s.Max = a.Min, a.Max
	}
	if a.Kind == KindCutFill {
		s.CutVolumeM3 = float64(a.CutMM) / 1000 * cellArea
		s.FillVolumeM3 = float64(a.FillMM) / 1000 * cellArea
	}
	if a.HasDatum {
		d := a.Datum
		s.Datum = &d
	}
	return s
}
