package tagfile

import (
	"fmt"
	"math"

	"github.com/nicktill/sitegrid/pkg/cellpass"
)

// Matcher applies the values of one or more tags to an Accumulator. Each
// Process method reports whether the value was accepted; a rejected value
// leaves the accumulator unchanged.
type Matcher interface {
	Tags() []string
	ProcessEmpty(acc *Accumulator, e Entry) bool
	ProcessUnsigned(acc *Accumulator, e Entry, v uint32) bool
	ProcessSigned(acc *Accumulator, e Entry, v int32) bool
	ProcessDouble(acc *Accumulator, e Entry, v float64) bool
	ProcessText(acc *Accumulator, e Entry, v string) bool
}

// BaseMatcher rejects every value. Matchers embed it and override the
// forms their tags use.
type BaseMatcher struct{}

func (BaseMatcher) ProcessEmpty(*Accumulator, Entry) bool            { return false }
func (BaseMatcher) ProcessUnsigned(*Accumulator, Entry, uint32) bool { return false }
func (BaseMatcher) ProcessSigned(*Accumulator, Entry, int32) bool    { return false }
func (BaseMatcher) ProcessDouble(*Accumulator, Entry, float64) bool  { return false }
func (BaseMatcher) ProcessText(*Accumulator, Entry, string) bool     { return false }

// Registry routes values to matchers by tag name.
type Registry struct {
	byTag map[string]Matcher
}

// NewRegistry builds a registry. Two matchers claiming one tag is an error.
func NewRegistry(matchers ...Matcher) (*Registry, error) {
	r := &Registry{byTag: make(map[string]Matcher)}
	for _, m := range matchers {
		for _, tag := range m.Tags() {
			if _, dup := r.byTag[tag]; dup {
				return nil, fmt.Errorf("tag %s claimed by more than one matcher", tag)
			}
			r.byTag[tag] = m
		}
	}
	return r, nil
}

// DefaultRegistry handles every tag in DefaultDictionary.
func DefaultRegistry() *Registry {
	matchers := []Matcher{
		timeMatcher{},
		weekMatcher{},
		metadataMatcher{},
	}
	for tag, attr := range attributeTags {
		matchers = append(matchers, AttributeMatcher{Tag: tag, Attribute: attr})
	}
	for k := range positionTags {
		for s := range positionTags[k] {
			for ax, tag := range positionTags[k][s] {
				matchers = append(matchers, PositionMatcher{Tag: tag, Kind: PositionKind(k), Side: Side(s), Axis: Axis(ax)})
			}
		}
	}
	r, err := NewRegistry(matchers...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the matcher for a tag name.
func (r *Registry) Lookup(tag string) (Matcher, bool) {
	m, ok := r.byTag[tag]
	return m, ok
}

// Dispatch routes v to its matcher. handled is false when no matcher claims
// the tag; accepted is the matcher's verdict.
func (r *Registry) Dispatch(acc *Accumulator, v Value) (handled, accepted bool) {
	m, ok := r.byTag[v.Entry.Name]
	if !ok {
		return false, false
	}
	e := v.Entry
	switch {
	case e.Type == TypeEmpty:
		return true, m.ProcessEmpty(acc, e)
	case e.Type.IsUnsigned():
		return true, m.ProcessUnsigned(acc, e, v.Unsigned)
	case e.Type.IsSigned():
		return true, m.ProcessSigned(acc, e, v.Signed)
	case e.Type == TypeFloat64:
		return true, m.ProcessDouble(acc, e, v.Double)
	case e.Type == TypeText:
		return true, m.ProcessText(acc, e, v.Text)
	}
	return true, false
}

var attributeTags = map[string]cellpass.Attribute{
	TagCCV:         cellpass.CCV,
	TagRMV:         cellpass.RMV,
	TagFrequency:   cellpass.Frequency,
	TagAmplitude:   cellpass.Amplitude,
	TagGPSMode:     cellpass.GPSMode,
	TagTemperature: cellpass.Temperature,
	TagMDP:         cellpass.MDP,
	TagCCA:         cellpass.CCA,
}

// AttributeMatcher accumulates one cell pass attribute. Unsigned values are
// absolute, signed values are deltas against the last absolute and Empty
// nulls the attribute. Results outside the attribute's range are rejected.
type AttributeMatcher struct {
	BaseMatcher
	Tag       string
	Attribute cellpass.Attribute
}

func (m AttributeMatcher) Tags() []string { return []string{m.Tag} }

func (m AttributeMatcher) inRange(v int64) bool {
	lo, hi := m.Attribute.Range()
	return v >= int64(lo) && v <= int64(hi)
}

func (m AttributeMatcher) ProcessUnsigned(acc *Accumulator, _ Entry, v uint32) bool {
	if !m.inRange(int64(v)) {
		return false
	}
	acc.Attributes[m.Attribute].Set(int64(v))
	return true
}

func (m AttributeMatcher) ProcessSigned(acc *Accumulator, _ Entry, d int32) bool {
	a := &acc.Attributes[m.Attribute]
	if !a.Seen || !m.inRange(a.Value+int64(d)) {
		return false
	}
	return a.Add(int64(d))
}

func (m AttributeMatcher) ProcessEmpty(acc *Accumulator, _ Entry) bool {
	acc.Attributes[m.Attribute].Reset()
	return true
}

// timeMatcher keeps the millisecond of week. The decoder closes the
// previous epoch before the value is applied.
type timeMatcher struct{ BaseMatcher }

func (timeMatcher) Tags() []string { return []string{TagTime} }

func (timeMatcher) ProcessUnsigned(acc *Accumulator, _ Entry, v uint32) bool {
	if v >= msPerWeek {
		return false
	}
	acc.MsOfWeek.Set(int64(v))
	return true
}

func (timeMatcher) ProcessSigned(acc *Accumulator, _ Entry, d int32) bool {
	if !acc.MsOfWeek.Seen {
		return false
	}
	next := acc.MsOfWeek.Value + int64(d)
	if next < 0 || next >= msPerWeek {
		return false
	}
	acc.MsOfWeek.Value = next
	return true
}

type weekMatcher struct{ BaseMatcher }

func (weekMatcher) Tags() []string { return []string{TagWeek} }

func (weekMatcher) ProcessUnsigned(acc *Accumulator, _ Entry, v uint32) bool {
	acc.Week.Set(int64(v))
	return true
}

// PositionMatcher accumulates one coordinate. Float64 values are absolute
// metres, signed values are deltas in millimetres and Empty forgets the
// coordinate.
type PositionMatcher struct {
	BaseMatcher
	Tag  string
	Kind PositionKind
	Side Side
	Axis Axis
}

func (m PositionMatcher) Tags() []string { return []string{m.Tag} }

func (m PositionMatcher) coord(acc *Accumulator) *Coordinate {
	return &acc.Positions[m.Kind][m.Side][m.Axis]
}

func (m PositionMatcher) ProcessDouble(acc *Accumulator, _ Entry, v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	*m.coord(acc) = Coordinate{Value: v, Seen: true, Updated: true}
	return true
}

func (m PositionMatcher) ProcessSigned(acc *Accumulator, _ Entry, d int32) bool {
	c := m.coord(acc)
	if !c.Seen {
		return false
	}
	c.Value += float64(d) / 1000
	c.Updated = true
	return true
}

func (m PositionMatcher) ProcessEmpty(acc *Accumulator, _ Entry) bool {
	*m.coord(acc) = Coordinate{}
	return true
}

// metadataMatcher handles machine description, proofing run and map reset
// tags.
type metadataMatcher struct{ BaseMatcher }

func (metadataMatcher) Tags() []string {
	return []string{
		TagUTMZone, TagHardwareID, TagMachineName, TagMachineType, TagDesign,
		TagLayer, TagGPSAccuracy, TagProofStart, TagProofEnd, TagMapReset,
	}
}

func (metadataMatcher) ProcessUnsigned(acc *Accumulator, e Entry, v uint32) bool {
	switch e.Name {
	case TagUTMZone:
		if v < 1 || v > 60 {
			return false
		}
		acc.Machine.Zone = uint8(v)
	case TagMachineType:
		if v > math.MaxUint8 {
			return false
		}
		acc.Machine.Type = uint8(v)
	case TagLayer:
		if v > math.MaxUint16 {
			return false
		}
		acc.Machine.Layer = uint16(v)
	case TagGPSAccuracy:
		if v > math.MaxUint16 {
			return false
		}
		acc.Machine.GPSAccuracy = uint16(v)
	default:
		return false
	}
	return true
}

func (metadataMatcher) ProcessText(acc *Accumulator, e Entry, v string) bool {
	switch e.Name {
	case TagHardwareID:
		acc.Machine.HardwareID = v
	case TagMachineName:
		acc.Machine.Name = v
	case TagDesign:
		acc.Machine.Design = v
	case TagProofStart:
		if v == "" {
			return false
		}
		acc.ProofStart = v
	case TagProofEnd:
		acc.ProofEnd = true
	default:
		return false
	}
	return true
}

func (metadataMatcher) ProcessEmpty(acc *Accumulator, e Entry) bool {
	switch e.Name {
	case TagMapReset:
		acc.MapReset = true
	case TagProofEnd:
		acc.ProofEnd = true
	default:
		return false
	}
	return true
}
