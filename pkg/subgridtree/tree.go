package subgridtree

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrCellOutOfRange is returned when a write addresses a cell outside the tree.
var ErrCellOutOfRange = errors.New("cell address outside the subgrid tree")

// Control tells a traversal how to continue after visiting an entry.
type Control int

const (
	// Continue descends into the entry (for nodes) and moves on.
	Continue Control = iota
	// SkipSiblings stops visiting the remaining siblings of the entry.
	SkipSiblings
	// Abort ends the traversal.
	Abort
)

// ChildBounds limits a traversal to a sub-range of child positions of the
// start node. Bounds are inclusive.
type ChildBounds struct {
	MinX, MinY, MaxX, MaxY uint8
}

// Visit describes an entry reached during traversal.
type Visit[T any] struct {
	Key    Key
	IsLeaf bool
	Leaf   T // zero for nodes
}

// childSet is a bitmap of the Dimension*Dimension child positions of a node.
type childSet [CellsPerSubGrid / 64]uint64

func childBit(i, j uint8) int { return int(j)*Dimension + int(i) }

func (c *childSet) set(i, j uint8) {
	n := childBit(i, j)
	c[n/64] |= 1 << (n % 64)
}

func (c *childSet) clear(i, j uint8) {
	n := childBit(i, j)
	c[n/64] &^= 1 << (n % 64)
}

func (c *childSet) test(i, j uint8) bool {
	n := childBit(i, j)
	return c[n/64]&(1<<(n%64)) != 0
}

func (c *childSet) count() (total int) {
	for _, w := range c {
		total += bits.OnesCount64(w)
	}
	return total
}

// Tree is a fixed fan-out spatial tree stored as an arena: interior nodes and
// leaves live in flat maps keyed by address, and nodes only record which of
// their children exist. T is the leaf payload.
//
// Tree is not safe for concurrent use; callers guard it.
type Tree[T any] struct {
	nodes  map[Key]*childSet
	leaves map[Origin]T
}

// New creates an empty tree with a root node.
func New[T any]() *Tree[T] {
	return &Tree[T]{
		nodes:  map[Key]*childSet{RootKey: {}},
		leaves: make(map[Origin]T),
	}
}

// LeafCount returns the number of leaves in the tree.
func (t *Tree[T]) LeafCount() int { return len(t.leaves) }

// NodeCount returns the number of interior nodes, including the root.
func (t *Tree[T]) NodeCount() int { return len(t.nodes) }

// Leaf returns the leaf that owns the cell. ok is false if it does not exist.
func (t *Tree[T]) Leaf(cellX, cellY uint32) (leaf T, ok bool) {
	leaf, ok = t.leaves[LeafOrigin(cellX, cellY)]
	return leaf, ok
}

// LeafAt returns the leaf at origin. ok is false if it does not exist.
func (t *Tree[T]) LeafAt(origin Origin) (leaf T, ok bool) {
	leaf, ok = t.leaves[origin]
	return leaf, ok
}

// EnsureLeaf returns the leaf owning the cell, creating it and any missing
// nodes on the path from the root. create is only called for new leaves.
func (t *Tree[T]) EnsureLeaf(cellX, cellY uint32, create func(Origin) T) (leaf T, created bool, err error) {
	if !InRange(cellX, cellY) {
		return leaf, false, fmt.Errorf("%w: (%d,%d)", ErrCellOutOfRange, cellX, cellY)
	}
	origin := LeafOrigin(cellX, cellY)
	if leaf, ok := t.leaves[origin]; ok {
		return leaf, false, nil
	}

	key := RootKey
	for key.Level < Levels {
		children := t.nodes[key]
		i, j := key.childIndex(cellX, cellY)
		children.set(i, j)
		key = key.child(i, j)
		if key.Level < Levels {
			if _, ok := t.nodes[key]; !ok {
				t.nodes[key] = &childSet{}
			}
		}
	}

	leaf = create(origin)
	t.leaves[origin] = leaf
	return leaf, true, nil
}

// RemoveLeaf deletes the leaf at origin and prunes nodes left without
// children. The root is never removed.
func (t *Tree[T]) RemoveLeaf(origin Origin) bool {
	if _, ok := t.leaves[origin]; !ok {
		return false
	}
	delete(t.leaves, origin)

	key := Key{Level: Levels, X: origin.X, Y: origin.Y}
	for key.Level > 1 {
		parent := key.parent()
		children := t.nodes[parent]
		i, j := parent.childIndex(key.X, key.Y)
		children.clear(i, j)
		if parent == RootKey || children.count() > 0 {
			break
		}
		delete(t.nodes, parent)
		key = parent
	}
	return true
}

// Traverse walks the tree depth first from start, visiting start itself and
// then its children in row order. bounds, when non-nil, restricts which
// children of start are visited; deeper levels are not restricted.
func (t *Tree[T]) Traverse(start Key, bounds *ChildBounds, fn func(Visit[T]) Control) Control {
	if start.IsLeaf() {
		leaf, ok := t.leaves[start.Origin()]
		if !ok {
			return Continue
		}
		return fn(Visit[T]{Key: start, IsLeaf: true, Leaf: leaf})
	}
	if _, ok := t.nodes[start]; !ok {
		return Continue
	}
	switch fn(Visit[T]{Key: start}) {
	case Abort:
		return Abort
	case SkipSiblings:
		return SkipSiblings
	}
	b := ChildBounds{MaxX: Dimension - 1, MaxY: Dimension - 1}
	if bounds != nil {
		b = *bounds
	}
	return t.traverseChildren(start, b, fn)
}

func (t *Tree[T]) traverseChildren(key Key, b ChildBounds, fn func(Visit[T]) Control) Control {
	children := t.nodes[key]
	for j := int(b.MinY); j <= int(b.MaxY); j++ {
		for i := int(b.MinX); i <= int(b.MaxX); i++ {
			if !children.test(uint8(i), uint8(j)) {
				continue
			}
			child := key.child(uint8(i), uint8(j))
			var ctl Control
			if child.IsLeaf() {
				ctl = fn(Visit[T]{Key: child, IsLeaf: true, Leaf: t.leaves[child.Origin()]})
			} else {
				ctl = fn(Visit[T]{Key: child})
				if ctl == Continue {
					ctl = t.traverseChildren(child, ChildBounds{MaxX: Dimension - 1, MaxY: Dimension - 1}, fn)
				}
			}
			switch ctl {
			case Abort:
				return Abort
			case SkipSiblings:
				return Continue
			}
		}
	}
	return Continue
}

// ScanLeaves calls fn for every leaf whose cells intersect extents, in
// depth-first order. Returning false from fn stops the scan.
func (t *Tree[T]) ScanLeaves(extents CellExtents, fn func(Origin, T) bool) {
	t.scan(RootKey, extents, fn)
}

func (t *Tree[T]) scan(key Key, extents CellExtents, fn func(Origin, T) bool) bool {
	children := t.nodes[key]
	if children == nil {
		return true
	}
	ke := key.Extents()
	if !ke.Intersects(extents) {
		return true
	}
	minX, minY := key.childIndex(max(extents.MinX, ke.MinX), max(extents.MinY, ke.MinY))
	maxX, maxY := key.childIndex(min(extents.MaxX, ke.MaxX), min(extents.MaxY, ke.MaxY))
	for j := minY; ; j++ {
		for i := minX; ; i++ {
			if children.test(i, j) {
				child := key.child(i, j)
				if child.IsLeaf() {
					if !fn(child.Origin(), t.leaves[child.Origin()]) {
						return false
					}
				} else if !t.scan(child, extents, fn) {
					return false
				}
			}
			if i == maxX {
				break
			}
		}
		if j == maxY {
			break
		}
	}
	return true
}
