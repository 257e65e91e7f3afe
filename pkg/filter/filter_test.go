package filter

import (
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/wire"
)

var t0 = time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC)

func pass(sec int, machine uint16, height float32, ccv int16) cellpass.CellPass {
	p := cellpass.Null()
	p.Time = t0.Add(time.Duration(sec) * time.Second)
	p.MachineID = machine
	p.Height = height
	p.CCV = ccv
	p.GPSMode = 1
	return p
}

func ccvs(passes []cellpass.CellPass) []int16 {
	var out []int16
	for _, p := range passes {
		out = append(out, p.CCV)
	}
	return out
}

func TestResolveFilteredValue(t *testing.T) {
	passes := []cellpass.CellPass{
		pass(1, 1, 10.0, 100),
		pass(2, 2, 10.1, 110),
		pass(3, 1, 10.2, cellpass.NullCCV),
	}

	got, ok := ResolveFilteredValue(passes, nil, nil)
	require.True(t, ok)
	assert.Equal(t, passes[2], got, "most recent by default")

	got, ok = ResolveFilteredValue(passes, &AttributeFilter{ReturnEarliest: true}, nil)
	require.True(t, ok)
	assert.Equal(t, passes[0], got)

	got, ok = ResolveAttribute(passes, nil, nil, cellpass.CCV)
	require.True(t, ok)
	assert.Equal(t, int16(110), got.CCV, "latest non-null CCV")

	_, ok = ResolveFilteredValue(passes, &AttributeFilter{Machines: []uint16{9}}, nil)
	assert.False(t, ok)
}

func TestAttributePredicates(t *testing.T) {
	passes := []cellpass.CellPass{
		pass(1, 1, 10.0, 1),
		pass(2, 2, 11.0, 2),
		pass(3, 1, 12.0, 3),
		pass(4, 3, cellpass.NullHeight, 4),
	}
	machines := MachineTable{1: {GPSAccuracy: 20}, 2: {GPSAccuracy: 50}}

	tests := []struct {
		name   string
		filter AttributeFilter
		want   []int16
	}{
		{"zero value", AttributeFilter{}, []int16{1, 2, 3, 4}},
		{"time window", AttributeFilter{Start: t0.Add(2 * time.Second), End: t0.Add(4 * time.Second)}, []int16{2, 3}},
		{"machines", AttributeFilter{Machines: []uint16{1}}, []int16{1, 3}},
		{"elevation", AttributeFilter{Elevation: &ElevationRange{Min: 10.5, Max: 12}}, []int16{2, 3}},
		{"gps accuracy", AttributeFilter{MaxGPSAccuracy: 30}, []int16{1, 3}},
		{"gps mode", AttributeFilter{GPSModes: []uint8{2}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ccvs(ResolveFilteredPasses(passes, &tt.filter, machines)))
		})
	}
}

func TestLayerPolicies(t *testing.T) {
	passes := []cellpass.CellPass{
		pass(1, 1, 10.00, 1),
		pass(2, 1, 10.30, 2),
		pass(3, 2, 10.45, 3),
		pass(4, 1, 10.50, 4),
	}

	top := &AttributeFilter{Layer: LayerTopOnly, TopLayerThickness: 0.25}
	assert.Equal(t, []int16{2, 3, 4}, ccvs(ResolveFilteredPasses(passes, top, nil)))

	machines := MachineTable{2: {MapReset: t0.Add(3 * time.Second)}}
	reset := &AttributeFilter{Layer: LayerAfterMapReset}
	assert.Equal(t, []int16{3, 4}, ccvs(ResolveFilteredPasses(passes, reset, machines)))

	// no machine reported a reset
	assert.Equal(t, []int16{1, 2, 3, 4}, ccvs(ResolveFilteredPasses(passes, reset, nil)))
}

func TestValidate(t *testing.T) {
	require.NoError(t, (&Filter{}).Validate())

	bad := []Filter{
		{Attribute: AttributeFilter{Start: t0, End: t0}},
		{Attribute: AttributeFilter{Layer: LayerTopOnly}},
		{Attribute: AttributeFilter{Layer: LayerPolicy(9)}},
		{Attribute: AttributeFilter{Elevation: &ElevationRange{Min: 2, Max: 1}}},
		{Spatial: SpatialFilter{Polygon: []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}}},
	}
	for i, f := range bad {
		assert.ErrorIs(t, f.Validate(), ErrInvalidFilter, "case %d", i)
	}

	require.ErrorIs(t, ValidateSet(nil, 1), ErrFilterCount)
	require.ErrorIs(t, ValidateSet(make([]Filter, 2), 1), ErrFilterCount)
	require.NoError(t, ValidateSet(make([]Filter, 1), 1))
	require.ErrorIs(t, ValidateSet(bad[:1], 1), ErrInvalidFilter)
}

func TestSpatialFilter(t *testing.T) {
	const cellSize = 1.0
	origin := uint32(subgridtree.IndexOriginOffset)

	rect := r2.RectFromPoints(r2.Point{X: 0, Y: 0}, r2.Point{X: 2, Y: 1})
	s := SpatialFilter{Rect: &rect}
	ext, ok := s.Footprint(cellSize)
	require.True(t, ok)
	assert.Equal(t, subgridtree.CellExtents{MinX: origin, MinY: origin, MaxX: origin + 2, MaxY: origin + 1}, ext)
	assert.True(t, s.ContainsCell(origin, origin, cellSize))
	assert.True(t, s.ContainsCell(origin+1, origin, cellSize))
	assert.False(t, s.ContainsCell(origin+2, origin, cellSize), "centre at 2.5 is outside")

	// right triangle with the hypotenuse from (4,0) to (0,4)
	tri := SpatialFilter{Polygon: []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 0, Y: 4}}}
	assert.True(t, tri.ContainsCell(origin, origin, cellSize))
	assert.True(t, tri.ContainsCell(origin+2, origin, cellSize))
	assert.False(t, tri.ContainsCell(origin+2, origin+2, cellSize))
	assert.False(t, tri.ContainsCell(origin+5, origin, cellSize))

	var empty SpatialFilter
	ext, ok = empty.Footprint(cellSize)
	require.True(t, ok)
	assert.Equal(t, subgridtree.FullExtents, ext)

	far := r2.RectFromPoints(r2.Point{X: 1e12, Y: 1e12}, r2.Point{X: 2e12, Y: 2e12})
	_, ok = SpatialFilter{Rect: &far}.Footprint(cellSize)
	assert.False(t, ok)
}

func TestFilterCodec(t *testing.T) {
	rect := r2.RectFromPoints(r2.Point{X: -5, Y: 3}, r2.Point{X: 7, Y: 9})
	f := Filter{
		Attribute: AttributeFilter{
			Start:             t0,
			End:               t0.Add(time.Hour),
			Machines:          []uint16{1, 4},
			Layer:             LayerTopOnly,
			TopLayerThickness: 0.2,
			Elevation:         &ElevationRange{Min: -1, Max: 100},
			GPSModes:          []uint8{1, 2},
			MaxGPSAccuracy:    40,
			ReturnEarliest:    true,
		},
		Spatial: SpatialFilter{
			Rect:    &rect,
			Polygon: []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}},
		},
	}
	data, err := f.MarshalBinary()
	require.NoError(t, err)

	var got Filter
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, f, got)
	assert.Equal(t, f.Fingerprint(), got.Fingerprint())

	other := f
	other.Attribute.ReturnEarliest = false
	assert.NotEqual(t, f.Fingerprint(), other.Fingerprint())

	data[0] = 9
	err = got.UnmarshalBinary(data)
	require.ErrorIs(t, err, wire.ErrUnknownVersion)

	var empty Filter
	data, _ = empty.MarshalBinary()
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, empty, got)
}
