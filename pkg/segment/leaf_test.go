package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

func TestLeafAppendAndRead(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{X: 64, Y: 32})

	_, ok := leaf.Pass(0, 0, 0)
	require.False(t, ok)
	_, ok = leaf.ReadAttribute(0, 0, cellpass.CCV)
	require.False(t, ok)

	require.NoError(t, leaf.AppendPass(2, 3, passAt(1, 100)))
	require.NoError(t, leaf.AppendPass(2, 3, passAt(2, 150)))
	require.ErrorIs(t, leaf.AppendPass(2, 3, passAt(0, 1)), ErrOutOfOrderPass)

	require.Equal(t, 2, leaf.PassCount(2, 3))
	p, ok := leaf.Pass(2, 3, 1)
	require.True(t, ok)
	require.Equal(t, int16(150), p.CCV)

	require.True(t, leaf.LatestBits(2, 3).Has(cellpass.CCV))
	v, ok := leaf.ReadAttribute(2, 3, cellpass.CCV)
	require.True(t, ok)
	require.Equal(t, int32(150), v)
}

func TestLeafReadAttributeScansPastNulls(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{})
	require.NoError(t, leaf.AppendPass(0, 0, passAt(1, 100)))
	require.NoError(t, leaf.AppendPass(0, 0, passAt(2, cellpass.NullCCV)))

	require.False(t, leaf.LatestBits(0, 0).Has(cellpass.CCV))
	v, ok := leaf.ReadAttribute(0, 0, cellpass.CCV)
	require.True(t, ok)
	require.Equal(t, int32(100), v)

	_, ok = leaf.ReadAttribute(0, 0, cellpass.Temperature)
	require.False(t, ok)
}

func TestLeafCleave(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{})
	for i := 0; i < 40; i++ {
		require.NoError(t, leaf.AppendPass(uint8(i%4), 0, passAt(i, int16(i))))
	}
	before := leaf.Passes(1, 0)

	created := leaf.Cleave(10)
	require.Positive(t, created)
	require.Equal(t, 1+created, leaf.SegmentCount())
	require.Equal(t, 40, leaf.TotalPasses())
	require.Equal(t, before, leaf.Passes(1, 0))
	require.NoError(t, leaf.dir.Validate())
	for _, s := range leaf.dir.segments {
		require.LessOrEqual(t, s.TotalPasses(), 10)
		for y := uint8(0); y < 1; y++ {
			for x := uint8(0); x < 4; x++ {
				for _, p := range s.Passes(x, y) {
					require.True(t, s.Contains(p.Time))
				}
			}
		}
	}

	// appends after cleaving land in the newest segment
	require.NoError(t, leaf.AppendPass(0, 0, passAt(100, 7)))
	last := leaf.dir.segments[len(leaf.dir.segments)-1]
	require.Equal(t, int16(7), last.Passes(0, 0)[last.PassCount(0, 0)-1].CCV)
}

func TestLeafCleaveSameTimestamp(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{})
	for x := uint8(0); x < 20; x++ {
		require.NoError(t, leaf.AppendPass(x, 0, passAt(5, 1)))
	}
	require.Zero(t, leaf.Cleave(10))
	require.Equal(t, 1, leaf.SegmentCount())
}

func TestLeafIntegrateOutOfOrder(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{})
	for i := 0; i < 30; i++ {
		require.NoError(t, leaf.AppendPass(0, 0, passAt(i*2, int16(i*2))))
	}
	leaf.Cleave(10)
	require.Greater(t, leaf.SegmentCount(), 1)

	late := []Placed{
		{X: 0, Y: 0, Pass: passAt(61, 61)},
		{X: 0, Y: 0, Pass: passAt(3, 3)},
		{X: 0, Y: 0, Pass: passAt(33, 33)},
		{X: 5, Y: 5, Pass: passAt(1, 1)},
	}
	require.Equal(t, len(late), leaf.Integrate(late))
	require.Equal(t, 34, leaf.TotalPasses())

	passes := leaf.Passes(0, 0)
	require.Len(t, passes, 33)
	for i := 1; i < len(passes); i++ {
		require.False(t, passes[i].Time.Before(passes[i-1].Time))
	}
	require.NoError(t, leaf.dir.Validate())
	for _, s := range leaf.dir.segments {
		for _, p := range s.Passes(0, 0) {
			require.True(t, s.Contains(p.Time))
		}
	}

	v, ok := leaf.ReadAttribute(0, 0, cellpass.CCV)
	require.True(t, ok)
	require.Equal(t, int32(61), v)
	require.True(t, leaf.LatestBits(5, 5).Has(cellpass.CCV))
}

func TestLeafRemovePass(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{})
	require.NoError(t, leaf.AppendPass(1, 1, passAt(1, 10)))
	require.NoError(t, leaf.AppendPass(1, 1, passAt(2, cellpass.NullCCV)))

	require.False(t, leaf.RemovePass(1, 1, 9, base.Add(2*time.Second)), "wrong machine")
	require.True(t, leaf.RemovePass(1, 1, 1, base.Add(2*time.Second)))
	require.True(t, leaf.LatestBits(1, 1).Has(cellpass.CCV), "older pass becomes latest")

	require.True(t, leaf.RemovePass(1, 1, 1, base.Add(time.Second)))
	require.True(t, leaf.IsEmpty())
	require.Zero(t, leaf.LatestBits(1, 1))
}

func TestLeafSnapshot(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{X: 32})
	require.NoError(t, leaf.AppendPass(4, 4, passAt(1, 10)))

	snap := leaf.Snapshot()
	require.NoError(t, leaf.AppendPass(4, 4, passAt(2, 20)))

	require.Equal(t, subgridtree.Origin{X: 32}, snap.Origin)
	require.Len(t, snap.Passes(4, 4), 1)
	require.Equal(t, 1, snap.TotalPasses())
	require.Equal(t, 2, leaf.PassCount(4, 4))
}

func TestLeafRoundTrip(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{X: 1 << 29, Y: 96})
	for i := 0; i < 25; i++ {
		require.NoError(t, leaf.AppendPass(uint8(i%3), uint8(i%5), passAt(i, int16(i))))
	}
	leaf.Cleave(8)

	data, err := leaf.MarshalBinary()
	require.NoError(t, err)

	out := &Leaf{}
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, leaf.Origin(), out.Origin())
	require.Equal(t, leaf.SegmentRanges(), out.SegmentRanges())
	require.Equal(t, leaf.latest, out.latest)
	for i := range leaf.dir.segments {
		require.Equal(t, leaf.dir.segments[i].cells, out.dir.segments[i].cells)
	}

	again, err := out.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestLeafDecodeRejectsGaps(t *testing.T) {
	leaf := NewLeaf(subgridtree.Origin{})
	leaf.dir.segments[0].End = base
	data, err := leaf.MarshalBinary()
	require.NoError(t, err)

	err = (&Leaf{}).UnmarshalBinary(data)
	require.ErrorIs(t, err, ErrDirectoryGap)
}
