package subgridtree

import (
	"math/bits"
	"sort"

	"github.com/nicktill/sitegrid/pkg/wire"
)

// existenceMapVersion is the current ExistenceMap encoding.
const existenceMapVersion = 1

// blockWords is the number of 64 bit words that hold one block of
// Dimension x Dimension leaf bits.
const blockWords = CellsPerSubGrid / 64

type blockKey struct {
	X, Y uint32 // leaf index >> LevelBits
}

type block [blockWords]uint64

func (b *block) empty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

// ExistenceMap holds one bit per leaf origin. A set bit means the leaf holds
// at least one cell pass. Bits are grouped into sparse blocks so that a map
// over a small site stays small.
//
// ExistenceMap is not safe for concurrent use. Or and And return new maps and
// never modify their operands.
type ExistenceMap struct {
	blocks map[blockKey]*block
}

// NewExistenceMap returns an empty map.
func NewExistenceMap() *ExistenceMap {
	return &ExistenceMap{blocks: make(map[blockKey]*block)}
}

func locate(o Origin) (blockKey, int) {
	lx, ly := o.X/Dimension, o.Y/Dimension
	return blockKey{X: lx >> LevelBits, Y: ly >> LevelBits}, int(ly&(Dimension-1))*Dimension + int(lx&(Dimension-1))
}

// Set marks the leaf at origin as populated.
func (m *ExistenceMap) Set(o Origin) {
	if m.blocks == nil {
		m.blocks = make(map[blockKey]*block)
	}
	k, bit := locate(o)
	b, ok := m.blocks[k]
	if !ok {
		b = &block{}
		m.blocks[k] = b
	}
	b[bit/64] |= 1 << (bit % 64)
}

// Clear marks the leaf at origin as empty.
func (m *ExistenceMap) Clear(o Origin) {
	k, bit := locate(o)
	b, ok := m.blocks[k]
	if !ok {
		return
	}
	b[bit/64] &^= 1 << (bit % 64)
	if b.empty() {
		delete(m.blocks, k)
	}
}

// Test reports whether the leaf at origin is marked populated.
func (m *ExistenceMap) Test(o Origin) bool {
	k, bit := locate(o)
	b, ok := m.blocks[k]
	return ok && b[bit/64]&(1<<(bit%64)) != 0
}

// Count returns the number of set bits.
func (m *ExistenceMap) Count() int {
	total := 0
	for _, b := range m.blocks {
		for _, w := range b {
			total += bits.OnesCount64(w)
		}
	}
	return total
}

// Clone returns an independent copy.
func (m *ExistenceMap) Clone() *ExistenceMap {
	out := &ExistenceMap{blocks: make(map[blockKey]*block, len(m.blocks))}
	for k, b := range m.blocks {
		cp := *b
		out.blocks[k] = &cp
	}
	return out
}

// Or returns the union of m and other.
func (m *ExistenceMap) Or(other *ExistenceMap) *ExistenceMap {
	out := m.Clone()
	for k, b := range other.blocks {
		dst, ok := out.blocks[k]
		if !ok {
			cp := *b
			out.blocks[k] = &cp
			continue
		}
		for i := range dst {
			dst[i] |= b[i]
		}
	}
	return out
}

// And returns the intersection of m and other.
func (m *ExistenceMap) And(other *ExistenceMap) *ExistenceMap {
	out := NewExistenceMap()
	for k, b := range m.blocks {
		ob, ok := other.blocks[k]
		if !ok {
			continue
		}
		var res block
		for i := range res {
			res[i] = b[i] & ob[i]
		}
		if !res.empty() {
			out.blocks[k] = &res
		}
	}
	return out
}

// Equal reports whether both maps have exactly the same bits set.
func (m *ExistenceMap) Equal(other *ExistenceMap) bool {
	if len(m.blocks) != len(other.blocks) {
		return false
	}
	for k, b := range m.blocks {
		ob, ok := other.blocks[k]
		if !ok || *ob != *b {
			return false
		}
	}
	return true
}

// Origins returns the origins of every set bit, ordered by X then Y.
func (m *ExistenceMap) Origins() []Origin {
	out := make([]Origin, 0, m.Count())
	for k, b := range m.blocks {
		for w, word := range b {
			for word != 0 {
				bit := w*64 + bits.TrailingZeros64(word)
				word &= word - 1
				lx := k.X<<LevelBits | uint32(bit%Dimension)
				ly := k.Y<<LevelBits | uint32(bit/Dimension)
				out = append(out, Origin{X: lx * Dimension, Y: ly * Dimension})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// OriginsWithin returns the set origins whose leaves intersect extents.
func (m *ExistenceMap) OriginsWithin(extents CellExtents) []Origin {
	var out []Origin
	for _, o := range m.Origins() {
		if o.Extents().Intersects(extents) {
			out = append(out, o)
		}
	}
	return out
}

// MarshalBinary encodes the map as a version byte, a block count and the
// blocks in key order.
func (m *ExistenceMap) MarshalBinary() ([]byte, error) {
	keys := make([]blockKey, 0, len(m.blocks))
	for k, b := range m.blocks {
		if !b.empty() {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].X != keys[j].X {
			return keys[i].X < keys[j].X
		}
		return keys[i].Y < keys[j].Y
	})

	w := wire.NewWriter(existenceMapVersion, 4+len(keys)*(8+blockWords*8))
	w.U32(uint32(len(keys)))
	for _, k := range keys {
		w.U32(k.X)
		w.U32(k.Y)
		for _, word := range m.blocks[k] {
			w.U64(word)
		}
	}
	return w.Bytes(), nil
}

// UnmarshalBinary replaces the contents of m with the decoded map.
func (m *ExistenceMap) UnmarshalBinary(data []byte) error {
	r, err := wire.NewReader("existence map", data, existenceMapVersion)
	if err != nil {
		return err
	}
	n := r.U32()
	blocks := make(map[blockKey]*block)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		k := blockKey{X: r.U32(), Y: r.U32()}
		var b block
		for w := range b {
			b[w] = r.U64()
		}
		if !b.empty() {
			blocks[k] = &b
		}
	}
	if err := r.Finish(); err != nil {
		return err
	}
	m.blocks = blocks
	return nil
}
