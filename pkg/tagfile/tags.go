package tagfile

// Tag names understood by the default matchers.
const (
	TagTime = "TIME" // GPS milliseconds of week; starts a new epoch
	TagWeek = "WEEK"

	TagCCV         = "CCV"
	TagRMV         = "RMV"
	TagFrequency   = "FREQ"
	TagAmplitude   = "AMP"
	TagGPSMode     = "GPM"
	TagTemperature = "TMP"
	TagMDP         = "MDP"
	TagCCA         = "CCA"

	TagUTMZone     = "UTM"
	TagHardwareID  = "HID"
	TagMachineName = "MNM"
	TagMachineType = "MTP"
	TagDesign      = "DES"
	TagLayer       = "LAY"
	TagGPSAccuracy = "GPA" // millimetres
	TagProofStart  = "PRS"
	TagProofEnd    = "PRE"
	TagMapReset    = "MAP"
)

// PositionKind identifies which part of the machine a coordinate pair
// describes.
type PositionKind uint8

const (
	Blade PositionKind = iota
	Track
	Wheel

	numPositionKinds
)

func (k PositionKind) String() string {
	switch k {
	case Blade:
		return "blade"
	case Track:
		return "track"
	case Wheel:
		return "wheel"
	}
	return "unknown"
}

// Side of a coordinate pair.
type Side uint8

const (
	Left Side = iota
	Right
)

// Axis of a coordinate.
type Axis uint8

const (
	Easting Axis = iota
	Northing
	Elevation
)

// positionTags[kind][side][axis] is the tag carrying that coordinate.
var positionTags = [numPositionKinds][2][3]string{
	Blade: {{"LEB", "LNB", "LHB"}, {"REB", "RNB", "RHB"}},
	Track: {{"LET", "LNT", "LHT"}, {"RET", "RNT", "RHT"}},
	Wheel: {{"LEW", "LNW", "LHW"}, {"REW", "RNW", "RHW"}},
}

// PositionTag returns the tag name for one coordinate.
func PositionTag(kind PositionKind, side Side, axis Axis) string {
	return positionTags[kind][side][axis]
}

// DefaultDictionary declares every default tag in its absolute, delta and
// empty forms. Ids are assigned in order starting at 1.
func DefaultDictionary() []Entry {
	var out []Entry
	add := func(name string, types ...ValueType) {
		for _, t := range types {
			out = append(out, Entry{ID: uint16(len(out) + 1), Type: t, Name: name})
		}
	}

	add(TagTime, TypeUnsigned32, TypeSigned16, TypeSigned32)
	add(TagWeek, TypeUnsigned16)
	for _, name := range []string{TagCCV, TagRMV, TagFrequency, TagAmplitude, TagTemperature, TagMDP} {
		add(name, TypeUnsigned16, TypeSigned8, TypeSigned16, TypeEmpty)
	}
	add(TagGPSMode, TypeUnsigned8, TypeEmpty)
	add(TagCCA, TypeUnsigned8, TypeSigned8, TypeEmpty)
	for k := range positionTags {
		for s := range positionTags[k] {
			for _, name := range positionTags[k][s] {
				add(name, TypeFloat64, TypeSigned16, TypeSigned32, TypeEmpty)
			}
		}
	}
	add(TagUTMZone, TypeUnsigned8)
	add(TagHardwareID, TypeText)
	add(TagMachineName, TypeText)
	add(TagMachineType, TypeUnsigned8)
	add(TagDesign, TypeText)
	add(TagLayer, TypeUnsigned16)
	add(TagGPSAccuracy, TypeUnsigned16)
	add(TagProofStart, TypeText)
	add(TagProofEnd, TypeText, TypeEmpty)
	add(TagMapReset, TypeEmpty)
	return out
}
