package cellpass

import (
	"fmt"
	"math"
)

// Attribute names one of the measurements tracked by the per-cell latest
// value bits.
type Attribute uint8

const (
	CCV Attribute = iota
	RMV
	Frequency
	Amplitude
	GPSMode
	Temperature
	MDP
	CCA

	// NumAttributes is the number of tracked attributes. It fits in one byte
	// of latest bits.
	NumAttributes = 8
)

// Attributes lists every tracked attribute in bit order.
var Attributes = [NumAttributes]Attribute{CCV, RMV, Frequency, Amplitude, GPSMode, Temperature, MDP, CCA}

var attributeNames = [NumAttributes]string{"ccv", "rmv", "frequency", "amplitude", "gps_mode", "temperature", "mdp", "cca"}

func (a Attribute) String() string {
	if a < NumAttributes {
		return attributeNames[a]
	}
	return fmt.Sprintf("attribute(%d)", uint8(a))
}

// Null returns the null value of the attribute as stored in a CellPass.
func (a Attribute) Null() int32 {
	switch a {
	case CCV:
		return NullCCV
	case RMV:
		return NullRMV
	case Frequency:
		return NullFrequency
	case Amplitude:
		return NullAmplitude
	case GPSMode:
		return NullGPSMode
	case Temperature:
		return NullMaterialTemperature
	case MDP:
		return NullMDP
	case CCA:
		return NullCCA
	}
	return 0
}

// Range returns the inclusive bounds of valid, non-null values of a.
func (a Attribute) Range() (lo, hi int32) {
	switch a {
	case CCV, MDP:
		return 0, math.MaxInt16 - 1
	case RMV:
		return math.MinInt16, math.MaxInt16 - 1
	case Frequency, Amplitude:
		return 0, math.MaxUint16 - 1
	case GPSMode:
		return 0, NullGPSMode - 1
	case Temperature:
		return 0, NullMaterialTemperature - 1
	case CCA:
		return 0, math.MaxUint8 - 1
	}
	return 0, 0
}

// Bit returns the mask of the attribute within a LatestBits byte.
func (a Attribute) Bit() LatestBits { return 1 << a }

// ParseAttribute maps a name produced by String back to an Attribute.
func ParseAttribute(name string) (Attribute, error) {
	for i, n := range attributeNames {
		if n == name {
			return Attribute(i), nil
		}
	}
	return 0, fmt.Errorf("unknown attribute %q", name)
}

// LatestBits holds one bit per Attribute. A set bit means the cell's latest
// non-null value for that attribute came from its most recent pass.
type LatestBits uint8

// Has reports whether the bit for a is set.
func (b LatestBits) Has(a Attribute) bool { return b&a.Bit() != 0 }

// BitsFor computes the latest bits contributed by a pass that has just
// become the most recent pass of its cell.
func BitsFor(p CellPass) LatestBits {
	var bits LatestBits
	for _, a := range Attributes {
		if !p.IsNull(a) {
			bits |= a.Bit()
		}
	}
	return bits
}
