package pipeline

import (
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// SelectCandidateSubgrids returns the leaf origins a query has to scan: the
// union of production and any auxiliary existence maps, restricted to the
// leaves the spatial filter's footprint touches. Origins come back in
// Origin.Less order.
func SelectCandidateSubgrids(spatial filter.SpatialFilter, cellSize float64, production *subgridtree.ExistenceMap, aux ...*subgridtree.ExistenceMap) []subgridtree.Origin {
	extents, ok := spatial.Footprint(cellSize)
	if !ok {
		return nil
	}
	combined := production
	if combined == nil {
		combined = subgridtree.NewExistenceMap()
	}
	for _, m := range aux {
		if m != nil {
			combined = combined.Or(m)
		}
	}
	return combined.OriginsWithin(extents)
}

// pageBounds returns the half-open candidate range of page n.
func pageBounds(total, pageSize, n int) (lo, hi int) {
	lo = n * pageSize
	hi = min(lo+pageSize, total)
	return lo, hi
}

func pageCount(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
