package tagfile

import (
	"time"

	"github.com/nicktill/sitegrid/pkg/cellpass"
)

// State is a step of the decoder's state machine.
type State uint8

const (
	AwaitingDictionary State = iota
	ReadingDictionary
	AwaitingEpochData
	AccumulatingEpoch
	EmittingEpoch
	EndOfFile
)

func (s State) String() string {
	switch s {
	case AwaitingDictionary:
		return "awaiting_dictionary"
	case ReadingDictionary:
		return "reading_dictionary"
	case AwaitingEpochData:
		return "awaiting_epoch_data"
	case AccumulatingEpoch:
		return "accumulating_epoch"
	case EmittingEpoch:
		return "emitting_epoch"
	case EndOfFile:
		return "end_of_file"
	}
	return "unknown"
}

// Accumulated is a running value built from absolute values and deltas.
type Accumulated struct {
	Value int64
	Seen  bool
	null  int64
}

// Set stores an absolute value.
func (a *Accumulated) Set(v int64) {
	a.Value = v
	a.Seen = true
}

// Add applies a delta. It fails if no absolute value has been seen.
func (a *Accumulated) Add(d int64) bool {
	if !a.Seen {
		return false
	}
	a.Value += d
	return true
}

// Reset returns the value to null and forgets that an absolute was seen.
func (a *Accumulated) Reset() {
	a.Value = a.null
	a.Seen = false
}

// Coordinate is one running position component in metres.
type Coordinate struct {
	Value   float64
	Seen    bool
	Updated bool // changed in the current epoch
}

// MachineInfo is the per-file machine metadata.
type MachineInfo struct {
	HardwareID  string
	Name        string
	Type        uint8
	Design      string
	Layer       uint16
	GPSAccuracy uint16 // millimetres
	Zone        uint8
}

// Accumulator holds the decode state matchers write into. Attribute
// values, seen-absolute flags and machine metadata persist for the whole
// file; the epoch flags are cleared after every emitted epoch.
type Accumulator struct {
	Attributes [cellpass.NumAttributes]Accumulated
	Positions  [numPositionKinds][2][3]Coordinate
	Week       Accumulated
	MsOfWeek   Accumulated
	Machine    MachineInfo

	// per epoch
	MapReset   bool
	ProofStart string
	ProofEnd   bool
	rejected   bool
}

// NewAccumulator returns an accumulator with every attribute null.
func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	for _, attr := range cellpass.Attributes {
		a.Attributes[attr] = Accumulated{null: int64(attr.Null())}
		a.Attributes[attr].Reset()
	}
	return a
}

// Time combines week and millisecond of week. It is only available once
// both have been seen.
func (a *Accumulator) Time() (time.Time, bool) {
	if !a.Week.Seen || !a.MsOfWeek.Seen {
		return time.Time{}, false
	}
	return GPSToUTC(uint32(a.Week.Value), a.MsOfWeek.Value), true
}

// Pair is a left/right coordinate pair in grid metres.
type Pair struct {
	Kind                   PositionKind
	LeftE, LeftN, LeftH    float64
	RightE, RightN, RightH float64
}

// Epoch is one emitted measurement instant.
type Epoch struct {
	Time        time.Time
	Values      cellpass.CellPass // Height and MachineID are null
	Pairs       []Pair
	Zone        uint8
	Design      string
	Layer       uint16
	GPSAccuracy uint16
	MapReset    bool
}

// Pair returns the first pair of the given kind.
func (e Epoch) Pair(kind PositionKind) (Pair, bool) {
	for _, p := range e.Pairs {
		if p.Kind == kind {
			return p, true
		}
	}
	return Pair{}, false
}

func (a *Accumulator) snapshot(t time.Time) Epoch {
	e := Epoch{
		Time:        t,
		Values:      cellpass.Null(),
		Zone:        a.Machine.Zone,
		Design:      a.Machine.Design,
		Layer:       a.Machine.Layer,
		GPSAccuracy: a.Machine.GPSAccuracy,
		MapReset:    a.MapReset,
	}
	e.Values.Time = t
	for _, attr := range cellpass.Attributes {
		e.Values.SetValue(attr, int32(a.Attributes[attr].Value))
	}
	for kind := range a.Positions {
		if pair, ok := a.pair(PositionKind(kind)); ok {
			e.Pairs = append(e.Pairs, pair)
		}
	}
	return e
}

// pair is complete only when all six coordinates were updated this epoch.
func (a *Accumulator) pair(kind PositionKind) (Pair, bool) {
	c := &a.Positions[kind]
	for s := range c {
		for ax := range c[s] {
			if !c[s][ax].Seen || !c[s][ax].Updated {
				return Pair{}, false
			}
		}
	}
	return Pair{
		Kind:   kind,
		LeftE:  c[Left][Easting].Value,
		LeftN:  c[Left][Northing].Value,
		LeftH:  c[Left][Elevation].Value,
		RightE: c[Right][Easting].Value,
		RightN: c[Right][Northing].Value,
		RightH: c[Right][Elevation].Value,
	}, true
}

func (a *Accumulator) resetEpoch() {
	for k := range a.Positions {
		for s := range a.Positions[k] {
			for ax := range a.Positions[k][s] {
				a.Positions[k][s][ax].Updated = false
			}
		}
	}
	a.MapReset = false
	a.ProofStart = ""
	a.ProofEnd = false
	a.rejected = false
}
