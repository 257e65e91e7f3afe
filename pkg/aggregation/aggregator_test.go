package aggregation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/wire"
)

var t0 = time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC)

func randomPartials(rng *rand.Rand, cfg Config, n int) []Aggregator {
	out := make([]Aggregator, n)
	for i := range out {
		res := SubGridResult{}
		cells := rng.Intn(20)
		for c := 0; c < cells; c++ {
			res.Cells = append(res.Cells, CellValue{
				CellX:  uint32(rng.Intn(64)),
				CellY:  uint32(rng.Intn(64)),
				Value:  int32(rng.Intn(1000)),
				Height: float32(rng.Intn(20000)) / 1000,
				Time:   t0.Add(time.Duration(rng.Intn(100)) * time.Second),
			})
		}
		out[i] = New(cfg).Accumulate(res)
	}
	return out
}

func TestAggregationIsAssociativeAndCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	configs := []Config{
		{Kind: KindCCV, CellSize: 0.34, TargetMin: 300, TargetMax: 600},
		{Kind: KindPassCount, CellSize: 0.34, TargetMin: 3, TargetMax: 5},
		{Kind: KindCutFill, CellSize: 0.34, ReferenceElevation: 10000, Tolerance: 50},
		{Kind: KindElevation, CellSize: 0.34},
		{Kind: KindCellDatum, CellSize: 0.34},
	}
	for _, cfg := range configs {
		t.Run(cfg.Kind.String(), func(t *testing.T) {
			for trial := 0; trial < 50; trial++ {
				p := randomPartials(rng, cfg, 3)
				a, b, c := p[0], p[1], p[2]

				left := a.AggregateWith(b).AggregateWith(c)
				right := a.AggregateWith(b.AggregateWith(c))
				require.Equal(t, left, right, "associativity")
				require.Equal(t, a.AggregateWith(b), b.AggregateWith(a), "commutativity")
			}
		})
	}
}

func TestAccumulateMatchesMerge(t *testing.T) {
	cfg := Config{Kind: KindCCV, CellSize: 1, TargetMin: 100, TargetMax: 200}
	r1 := SubGridResult{Cells: []CellValue{{Value: 50}, {Value: 150}}}
	r2 := SubGridResult{Cells: []CellValue{{Value: 250}, {Value: 200}}}

	whole := New(cfg).Accumulate(r1).Accumulate(r2)
	merged := New(cfg).Accumulate(r1).AggregateWith(New(cfg).Accumulate(r2))
	assert.Equal(t, whole, merged)

	s := whole.Summary()
	assert.Equal(t, int64(4), s.Cells)
	assert.Equal(t, 25.0, s.PercentBelow)
	assert.Equal(t, 50.0, s.PercentWithin)
	assert.Equal(t, 25.0, s.PercentAbove)
	assert.Equal(t, 162.5, s.Mean)
	assert.Equal(t, int64(50), s.Min)
	assert.Equal(t, int64(250), s.Max)
	assert.Equal(t, 4.0, s.AreaM2)
}

func TestInputsAreNotModified(t *testing.T) {
	cfg := Config{Kind: KindCCV, TargetMin: 1, TargetMax: 2}
	a := New(cfg).Accumulate(SubGridResult{Cells: []CellValue{{Value: 1}}})
	b := New(cfg).Accumulate(SubGridResult{Cells: []CellValue{{Value: 5}}})
	aCopy, bCopy := a, b
	_ = a.AggregateWith(b)
	assert.Equal(t, aCopy, a)
	assert.Equal(t, bCopy, b)

	empty := New(cfg)
	assert.Equal(t, a, a.AggregateWith(empty), "empty aggregator is the identity")
}

func TestCutFill(t *testing.T) {
	cfg := Config{Kind: KindCutFill, CellSize: 2, ReferenceElevation: 10000, Tolerance: 20}
	agg := New(cfg).Accumulate(SubGridResult{Cells: []CellValue{
		{Height: 10.5},  // 500 mm cut
		{Height: 9.75},  // 250 mm fill
		{Height: 10.01}, // within tolerance
	}})
	s := agg.Summary()
	assert.Equal(t, int64(500), agg.CutMM)
	assert.Equal(t, int64(250), agg.FillMM)
	assert.Equal(t, int64(1), agg.Within)
	assert.InDelta(t, 2.0, s.CutVolumeM3, 1e-9)
	assert.InDelta(t, 1.0, s.FillVolumeM3, 1e-9)
}

func TestCellDatumPicksLatest(t *testing.T) {
	cfg := Config{Kind: KindCellDatum}
	older := New(cfg).Accumulate(SubGridResult{Cells: []CellValue{{CellX: 1, Value: 10, Time: t0}}})
	newer := New(cfg).Accumulate(SubGridResult{Cells: []CellValue{{CellX: 1, Value: 20, Time: t0.Add(time.Second)}}})

	got := older.AggregateWith(newer).Summary()
	require.NotNil(t, got.Datum)
	assert.Equal(t, int32(20), got.Datum.Value)
	assert.Equal(t, got, newer.AggregateWith(older).Summary())
}

func TestAggregatorCodec(t *testing.T) {
	cfg := Config{Kind: KindCellDatum, CellSize: 0.34, TargetMin: -3, TargetMax: 9, ReferenceElevation: -50, Tolerance: 5}
	a := New(cfg).Accumulate(SubGridResult{Cells: []CellValue{{CellX: 3, CellY: 4, Value: 7, Height: 1.5, Time: t0}}})

	data, err := a.MarshalBinary()
	require.NoError(t, err)
	var got Aggregator
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, a, got)

	data[0] = 2
	require.ErrorIs(t, got.UnmarshalBinary(data), wire.ErrUnknownVersion)
}

func TestSubGridResultCodec(t *testing.T) {
	res := SubGridResult{Cells: []CellValue{{CellX: 1, CellY: 2, Value: 3, Height: 4, Time: t0}, {CellX: 5}}}
	res.Origin.X, res.Origin.Y = 32, 64

	w := wire.NewWriter(1, 64)
	EncodeResult(w, res)
	r, err := wire.NewReader("result", w.Bytes(), 1)
	require.NoError(t, err)
	got := DecodeResult(r)
	require.NoError(t, r.Finish())
	assert.Equal(t, res, got)
}

func TestParseKind(t *testing.T) {
	for k := range kindNames {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("volume")
	assert.Error(t, err)
}
