/*
Package subgridtree addresses cells on a 2D grid through a fixed fan-out tree.

# Geometry

The tree has Levels (6) levels with Dimension (32) children per side at every
node, so it spans 2^30 cells on each axis. Level 1 is the root and level 6
holds leaves: blocks of 32x32 cells that own the actual cell data.

A cell address is a pair of unsigned integers. The owning leaf is found by
integer division:

	origin := subgridtree.LeafOrigin(cellX, cellY) // (cellX/32*32, cellY/32*32)

Grid coordinates in metres are converted with WorldToCell, which adds
IndexOriginOffset so that negative coordinates remain addressable.

# Arena

Nodes and leaves are stored in flat maps keyed by Key (level plus origin).
Nodes only track which child positions exist; child keys are computed, so
there are no pointers between entries and no ownership cycles.

	tree := subgridtree.New[*segment.Leaf]()
	leaf, created, err := tree.EnsureLeaf(cellX, cellY, segment.NewLeaf)
	leaf, ok := tree.Leaf(cellX, cellY) // ok == false for absent leaves

# Existence maps

ExistenceMap keeps one bit per leaf. Or and And are pure and are used to
union production data with surveyed-surface-only masks and to intersect the
result with a query footprint before any pass is scanned.
*/
package subgridtree
