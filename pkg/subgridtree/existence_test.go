package subgridtree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/wire"
)

func mapOf(origins ...Origin) *ExistenceMap {
	m := NewExistenceMap()
	for _, o := range origins {
		m.Set(o)
	}
	return m
}

func TestExistenceMapSetClear(t *testing.T) {
	var m ExistenceMap
	o := LeafOrigin(IndexOriginOffset+5, IndexOriginOffset+70)

	require.False(t, m.Test(o))
	m.Set(o)
	m.Set(o)
	require.True(t, m.Test(o))
	require.Equal(t, 1, m.Count())

	m.Clear(o)
	require.False(t, m.Test(o))
	require.Zero(t, m.Count())
	require.Empty(t, m.blocks)
}

func TestExistenceMapAlgebra(t *testing.T) {
	a := mapOf(Origin{0, 0}, Origin{32, 0}, Origin{IndexOriginOffset, IndexOriginOffset})
	b := mapOf(Origin{32, 0}, Origin{0, 1024})
	c := mapOf(Origin{0, 0}, Origin{0, 1024}, Origin{64, 64})

	require.True(t, a.Or(a).Equal(a), "or is idempotent")
	require.True(t, a.And(a).Equal(a), "and is idempotent")
	require.True(t, a.Or(b).Equal(b.Or(a)), "or commutes")
	require.True(t, a.And(b).Equal(b.And(a)), "and commutes")
	require.True(t, a.Or(b).Or(c).Equal(a.Or(b.Or(c))), "or associates")

	left := a.And(b.Or(c))
	right := a.And(b).Or(a.And(c))
	require.True(t, left.Equal(right), "and distributes over or")
	require.Equal(t, []Origin{{0, 0}, {32, 0}}, left.Origins())

	// operands are untouched
	require.Equal(t, 3, a.Count())
	require.Equal(t, 2, b.Count())
}

func TestExistenceMapAndDropsEmptyBlocks(t *testing.T) {
	a := mapOf(Origin{0, 0})
	b := mapOf(Origin{32, 0})
	require.Zero(t, a.And(b).Count())
	require.True(t, a.And(b).Equal(NewExistenceMap()))
}

func TestExistenceMapOriginsWithin(t *testing.T) {
	m := mapOf(Origin{0, 0}, Origin{32, 0}, Origin{0, 64})
	got := m.OriginsWithin(CellExtents{MinX: 10, MinY: 10, MaxX: 40, MaxY: 20})
	require.Equal(t, []Origin{{0, 0}, {32, 0}}, got)
}

func TestExistenceMapRoundTrip(t *testing.T) {
	m := mapOf(Origin{0, 0}, Origin{1 << 20, 96}, Origin{IndexOriginOffset, IndexOriginOffset})

	data, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, byte(existenceMapVersion), data[0])

	var out ExistenceMap
	require.NoError(t, out.UnmarshalBinary(data))
	require.True(t, m.Equal(&out))
	require.Equal(t, m.Origins(), out.Origins())
}

func TestExistenceMapDecodeErrors(t *testing.T) {
	data, err := mapOf(Origin{0, 0}).MarshalBinary()
	require.NoError(t, err)

	bad := append([]byte{}, data...)
	bad[0] = 99
	var out ExistenceMap
	err = out.UnmarshalBinary(bad)
	require.ErrorIs(t, err, wire.ErrUnknownVersion)

	err = out.UnmarshalBinary(data[:len(data)-3])
	require.ErrorIs(t, err, wire.ErrTruncated)

	err = out.UnmarshalBinary(append(append([]byte{}, data...), 0))
	require.ErrorIs(t, err, wire.ErrTrailingData)
}
