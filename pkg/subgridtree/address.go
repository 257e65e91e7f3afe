package subgridtree

import "fmt"

// Tree geometry
const (
	// Dimension is the number of cells (or child subgrids) along each side
	// of a subgrid.
	Dimension = 32

	// LevelBits is log2(Dimension).
	LevelBits = 5

	// CellsPerSubGrid is the number of cells held by a leaf.
	CellsPerSubGrid = Dimension * Dimension

	// Levels is the depth of the tree. Level 1 is the root, level Levels
	// holds the leaves.
	Levels = 6

	// MaxCellIndex is the largest addressable cell coordinate on either axis.
	MaxCellIndex = 1<<(LevelBits*Levels) - 1

	// IndexOriginOffset maps world cell index 0 to the middle of the
	// address space so that negative world coordinates stay addressable.
	IndexOriginOffset = 1 << (LevelBits*Levels - 1)

	// DefaultCellSize is the on-the-ground cell size in metres.
	DefaultCellSize = 0.34
)

// Origin is the cell address of the bottom-left cell of a leaf subgrid.
type Origin struct {
	X, Y uint32
}

func (o Origin) String() string { return fmt.Sprintf("(%d,%d)", o.X, o.Y) }

// Less orders origins by X then Y.
func (o Origin) Less(other Origin) bool {
	if o.X != other.X {
		return o.X < other.X
	}
	return o.Y < other.Y
}

// Extents returns the cells covered by the leaf at o.
func (o Origin) Extents() CellExtents {
	return CellExtents{MinX: o.X, MinY: o.Y, MaxX: o.X + Dimension - 1, MaxY: o.Y + Dimension - 1}
}

// LeafOrigin returns the origin of the leaf that owns cell (cellX, cellY).
func LeafOrigin(cellX, cellY uint32) Origin {
	return Origin{X: cellX / Dimension * Dimension, Y: cellY / Dimension * Dimension}
}

// InLeaf returns the position of a cell within its leaf.
func InLeaf(cellX, cellY uint32) (x, y uint8) {
	return uint8(cellX % Dimension), uint8(cellY % Dimension)
}

// InRange reports whether a cell address lies inside the tree.
func InRange(cellX, cellY uint32) bool {
	return cellX <= MaxCellIndex && cellY <= MaxCellIndex
}

// WorldToCell converts a grid coordinate in metres into a cell address.
// ok is false when the coordinate falls outside the addressable area.
func WorldToCell(x, y, cellSize float64) (cellX, cellY uint32, ok bool) {
	cx := floorDiv(x, cellSize) + IndexOriginOffset
	cy := floorDiv(y, cellSize) + IndexOriginOffset
	if cx < 0 || cy < 0 || cx > MaxCellIndex || cy > MaxCellIndex {
		return 0, 0, false
	}
	return uint32(cx), uint32(cy), true
}

// CellCenter returns the grid coordinate of the centre of a cell.
func CellCenter(cellX, cellY uint32, cellSize float64) (x, y float64) {
	x = (float64(int64(cellX)-IndexOriginOffset) + 0.5) * cellSize
	y = (float64(int64(cellY)-IndexOriginOffset) + 0.5) * cellSize
	return x, y
}

func floorDiv(v, size float64) int64 {
	q := v / size
	i := int64(q)
	if q < 0 && float64(i) != q {
		i--
	}
	return i
}

// CellExtents is an inclusive rectangle of cell addresses.
type CellExtents struct {
	MinX, MinY, MaxX, MaxY uint32
}

// FullExtents covers the whole address space.
var FullExtents = CellExtents{MaxX: MaxCellIndex, MaxY: MaxCellIndex}

// Intersects reports whether the two extents share at least one cell.
func (e CellExtents) Intersects(o CellExtents) bool {
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// Contains reports whether the cell lies within the extents.
func (e CellExtents) Contains(cellX, cellY uint32) bool {
	return cellX >= e.MinX && cellX <= e.MaxX && cellY >= e.MinY && cellY <= e.MaxY
}

// Key identifies a node or leaf in the tree arena. X and Y are the cell
// address of the bottom-left cell covered by the entry.
type Key struct {
	Level uint8
	X, Y  uint32
}

// RootKey addresses the root node.
var RootKey = Key{Level: 1}

// IsLeaf reports whether the key addresses a leaf.
func (k Key) IsLeaf() bool { return k.Level == Levels }

// Origin returns the leaf origin for a leaf key.
func (k Key) Origin() Origin { return Origin{X: k.X, Y: k.Y} }

// spanShift is log2 of the number of cells covered along one axis by an
// entry at level.
func spanShift(level uint8) uint {
	return uint(LevelBits * (Levels - int(level) + 1))
}

// Extents returns the cells covered by the entry.
func (k Key) Extents() CellExtents {
	span := uint32(1)<<spanShift(k.Level) - 1
	return CellExtents{MinX: k.X, MinY: k.Y, MaxX: k.X + span, MaxY: k.Y + span}
}

// childIndex returns the position of the child that contains the cell.
func (k Key) childIndex(cellX, cellY uint32) (uint8, uint8) {
	shift := spanShift(k.Level + 1)
	return uint8((cellX >> shift) & (Dimension - 1)), uint8((cellY >> shift) & (Dimension - 1))
}

// child returns the key of the child at (i, j).
func (k Key) child(i, j uint8) Key {
	shift := spanShift(k.Level + 1)
	return Key{Level: k.Level + 1, X: k.X + uint32(i)<<shift, Y: k.Y + uint32(j)<<shift}
}

// parent returns the key of the node that owns k.
func (k Key) parent() Key {
	shift := spanShift(k.Level - 1)
	mask := ^(uint32(1)<<shift - 1)
	return Key{Level: k.Level - 1, X: k.X & mask, Y: k.Y & mask}
}

// leafKey returns the leaf key owning the cell.
func leafKey(cellX, cellY uint32) Key {
	o := LeafOrigin(cellX, cellY)
	return Key{Level: Levels, X: o.X, Y: o.Y}
}
