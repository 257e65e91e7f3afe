// Package filter decides which cells and which of their passes contribute to
// a query.
package filter

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"

	"github.com/nicktill/sitegrid/pkg/wire"
)

var (
	// ErrInvalidFilter is returned by Validate for contradictory filters.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrFilterCount is returned when a query is given the wrong number of
	// filters.
	ErrFilterCount = errors.New("wrong number of filters")
)

const filterVersion = 1

// Filter pairs an attribute and a spatial restriction. It must not be
// modified once a query has started.
type Filter struct {
	Attribute AttributeFilter
	Spatial   SpatialFilter
}

// Validate checks both halves of the filter.
func (f *Filter) Validate() error {
	if err := f.Attribute.Validate(); err != nil {
		return err
	}
	return f.Spatial.Validate()
}

// ValidateSet checks that exactly want filters were supplied and that each
// is valid.
func ValidateSet(filters []Filter, want int) error {
	if len(filters) != want {
		return fmt.Errorf("%w: want %d, got %d", ErrFilterCount, want, len(filters))
	}
	for i := range filters {
		if err := filters[i].Validate(); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return nil
}

// Fingerprint identifies the filter for cache keys. Equal filters have equal
// fingerprints.
func (f *Filter) Fingerprint() uint64 {
	w := wire.NewWriter(filterVersion, 64)
	f.Encode(w)
	return xxhash.Sum64(w.Bytes())
}

// Encode writes the filter's fields in fixed order.
func (f *Filter) Encode(w *wire.Writer) {
	a := &f.Attribute
	w.Time(a.Start)
	w.Time(a.End)
	w.U16(uint16(len(a.Machines)))
	for _, id := range a.Machines {
		w.U16(id)
	}
	w.U8(uint8(a.Layer))
	w.F64(a.TopLayerThickness)
	w.Bool(a.Elevation != nil)
	if a.Elevation != nil {
		w.F64(a.Elevation.Min)
		w.F64(a.Elevation.Max)
	}
	w.U8(uint8(len(a.GPSModes)))
	for _, m := range a.GPSModes {
		w.U8(m)
	}
	w.U16(a.MaxGPSAccuracy)
	w.Bool(a.ReturnEarliest)

	s := &f.Spatial
	w.Bool(s.Rect != nil)
	if s.Rect != nil {
		w.F64(s.Rect.X.Lo)
		w.F64(s.Rect.X.Hi)
		w.F64(s.Rect.Y.Lo)
		w.F64(s.Rect.Y.Hi)
	}
	w.U32(uint32(len(s.Polygon)))
	for _, p := range s.Polygon {
		w.F64(p.X)
		w.F64(p.Y)
	}
}

// Decode reads a filter written by Encode.
func Decode(r *wire.Reader) Filter {
	var f Filter
	a := &f.Attribute
	a.Start = r.Time()
	a.End = r.Time()
	if n := int(r.U16()); n > 0 {
		a.Machines = make([]uint16, 0, min(n, r.Remaining()/2))
		for i := 0; i < n && r.Err() == nil; i++ {
			a.Machines = append(a.Machines, r.U16())
		}
	}
	a.Layer = LayerPolicy(r.U8())
	a.TopLayerThickness = r.F64()
	if r.Bool() {
		a.Elevation = &ElevationRange{Min: r.F64(), Max: r.F64()}
	}
	if n := int(r.U8()); n > 0 {
		a.GPSModes = make([]uint8, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			a.GPSModes = append(a.GPSModes, r.U8())
		}
	}
	a.MaxGPSAccuracy = r.U16()
	a.ReturnEarliest = r.Bool()

	s := &f.Spatial
	if r.Bool() {
		s.Rect = &r2.Rect{
			X: r1.Interval{Lo: r.F64(), Hi: r.F64()},
			Y: r1.Interval{Lo: r.F64(), Hi: r.F64()},
		}
	}
	if n := int(r.U32()); n > 0 {
		s.Polygon = make([]r2.Point, 0, min(n, r.Remaining()/16))
		for i := 0; i < n && r.Err() == nil; i++ {
			s.Polygon = append(s.Polygon, r2.Point{X: r.F64(), Y: r.F64()})
		}
	}
	return f
}

// MarshalBinary encodes the filter with a version byte.
func (f Filter) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(filterVersion, 64)
	f.Encode(w)
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a filter produced by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	r, err := wire.NewReader("filter", data, filterVersion)
	if err != nil {
		return err
	}
	decoded := Decode(r)
	if err := r.Finish(); err != nil {
		return err
	}
	*f = decoded
	return nil
}
