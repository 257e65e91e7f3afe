package filter

import (
	"fmt"
	"slices"
	"time"

	"github.com/nicktill/sitegrid/pkg/cellpass"
)

// LayerPolicy restricts the candidate passes of a cell before a value is
// selected.
type LayerPolicy uint8

const (
	// LayerNone keeps every pass that matches the attribute predicates.
	LayerNone LayerPolicy = iota
	// LayerTopOnly keeps passes within TopLayerThickness of the highest
	// matching pass.
	LayerTopOnly
	// LayerAfterMapReset keeps passes recorded after the most recent map
	// reset of any machine that worked the cell.
	LayerAfterMapReset

	numLayerPolicies
)

func (p LayerPolicy) String() string {
	switch p {
	case LayerNone:
		return "none"
	case LayerTopOnly:
		return "top_only"
	case LayerAfterMapReset:
		return "after_map_reset"
	}
	return fmt.Sprintf("layer_policy(%d)", uint8(p))
}

// ParseLayerPolicy maps a String form back to a policy.
func ParseLayerPolicy(s string) (LayerPolicy, error) {
	for p := LayerNone; p < numLayerPolicies; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown layer policy %q", ErrInvalidFilter, s)
}

// ElevationRange bounds pass heights, inclusive.
type ElevationRange struct {
	Min, Max float64
}

// AttributeFilter selects passes by time, machine, elevation and GPS
// quality. The zero value matches every pass.
type AttributeFilter struct {
	// Start is inclusive, End exclusive; zero values are unbounded.
	Start, End time.Time

	// Machines restricts passes to these machine ids; empty allows all.
	Machines []uint16

	Layer             LayerPolicy
	TopLayerThickness float64 // metres, LayerTopOnly only

	Elevation *ElevationRange

	// GPSModes lists acceptable GPS modes; empty allows all.
	GPSModes []uint8

	// MaxGPSAccuracy rejects passes of machines reporting a coarser
	// accuracy, in millimetres. Zero disables the check.
	MaxGPSAccuracy uint16

	// ReturnEarliest selects the oldest matching pass instead of the newest.
	ReturnEarliest bool
}

// MachineState is what filtering needs to know about a machine.
type MachineState struct {
	GPSAccuracy uint16
	MapReset    time.Time
}

// MachineTable maps machine ids to their state.
type MachineTable map[uint16]MachineState

// Validate checks the filter for contradictions.
func (f *AttributeFilter) Validate() error {
	if f == nil {
		return nil
	}
	if !f.Start.IsZero() && !f.End.IsZero() && !f.End.After(f.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidFilter, f.End, f.Start)
	}
	if f.Layer >= numLayerPolicies {
		return fmt.Errorf("%w: %s", ErrInvalidFilter, f.Layer)
	}
	if f.Layer == LayerTopOnly && f.TopLayerThickness <= 0 {
		return fmt.Errorf("%w: top layer thickness must be positive", ErrInvalidFilter)
	}
	if f.Elevation != nil && f.Elevation.Min > f.Elevation.Max {
		return fmt.Errorf("%w: elevation min %g above max %g", ErrInvalidFilter, f.Elevation.Min, f.Elevation.Max)
	}
	return nil
}

// Matches applies every per-pass predicate. Layer policies need the whole
// cell and are applied by ResolveFilteredPasses.
func (f *AttributeFilter) Matches(p cellpass.CellPass, machines MachineTable) bool {
	if f == nil {
		return true
	}
	if !f.Start.IsZero() && p.Time.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !p.Time.Before(f.End) {
		return false
	}
	if len(f.Machines) > 0 && !slices.Contains(f.Machines, p.MachineID) {
		return false
	}
	if f.Elevation != nil {
		if !p.HasHeight() {
			return false
		}
		h := float64(p.Height)
		if h < f.Elevation.Min || h > f.Elevation.Max {
			return false
		}
	}
	if len(f.GPSModes) > 0 && !slices.Contains(f.GPSModes, p.GPSMode) {
		return false
	}
	if f.MaxGPSAccuracy > 0 {
		m, ok := machines[p.MachineID]
		if !ok || m.GPSAccuracy == 0 || m.GPSAccuracy > f.MaxGPSAccuracy {
			return false
		}
	}
	return true
}
