package filter

import (
	"time"

	"github.com/nicktill/sitegrid/pkg/cellpass"
)

// ResolveFilteredPasses returns the passes of one cell that satisfy f,
// after its layer policy has been applied. passes must be in time order;
// the result keeps that order. A nil filter returns passes unchanged.
func ResolveFilteredPasses(passes []cellpass.CellPass, f *AttributeFilter, machines MachineTable) []cellpass.CellPass {
	if f == nil {
		return passes
	}
	var out []cellpass.CellPass
	for _, p := range passes {
		if f.Matches(p, machines) {
			out = append(out, p)
		}
	}

	switch f.Layer {
	case LayerTopOnly:
		top := float32(cellpass.NullHeight)
		for _, p := range out {
			if p.HasHeight() && p.Height > top {
				top = p.Height
			}
		}
		floor := float64(top) - f.TopLayerThickness
		kept := out[:0]
		for _, p := range out {
			if p.HasHeight() && float64(p.Height) >= floor {
				kept = append(kept, p)
			}
		}
		out = kept

	case LayerAfterMapReset:
		var reset time.Time
		for _, p := range out {
			if m, ok := machines[p.MachineID]; ok && m.MapReset.After(reset) {
				reset = m.MapReset
			}
		}
		if !reset.IsZero() {
			kept := out[:0]
			for _, p := range out {
				if !p.Time.Before(reset) {
					kept = append(kept, p)
				}
			}
			out = kept
		}
	}
	return out
}

// ResolveFilteredValue selects the pass of one cell that a query reports:
// the most recent pass surviving the filter, or the earliest with
// ReturnEarliest.
func ResolveFilteredValue(passes []cellpass.CellPass, f *AttributeFilter, machines MachineTable) (cellpass.CellPass, bool) {
	candidates := ResolveFilteredPasses(passes, f, machines)
	if len(candidates) == 0 {
		return cellpass.CellPass{}, false
	}
	if f != nil && f.ReturnEarliest {
		return candidates[0], true
	}
	return candidates[len(candidates)-1], true
}

// ResolveAttribute is ResolveFilteredValue restricted to passes where attr
// is not null.
func ResolveAttribute(passes []cellpass.CellPass, f *AttributeFilter, machines MachineTable, attr cellpass.Attribute) (cellpass.CellPass, bool) {
	candidates := ResolveFilteredPasses(passes, f, machines)
	earliest := f != nil && f.ReturnEarliest
	for i := range candidates {
		idx := len(candidates) - 1 - i
		if earliest {
			idx = i
		}
		if !candidates[idx].IsNull(attr) {
			return candidates[idx], true
		}
	}
	return cellpass.CellPass{}, false
}
