// Package cellpass defines the fixed cell pass record written for every
// machine measurement over a grid cell.
package cellpass

import (
	"fmt"
	"math"
	"time"

	"github.com/nicktill/sitegrid/pkg/wire"
)

// Null values. A field holding its null value was not reported by the
// machine for that pass.
const (
	NullCCV                 = math.MaxInt16
	NullRMV                 = math.MaxInt16
	NullMDP                 = math.MaxInt16
	NullFrequency           = math.MaxUint16
	NullAmplitude           = math.MaxUint16
	NullMaterialTemperature = 4096
	NullCCA                 = math.MaxUint8
	NullGPSMode             = 15
	NullMachineID           = math.MaxUint16
	NullHeight              = -1e8
)

// RecordSize is the encoded size of one pass in bytes.
const RecordSize = 28

// recordVersion is the version of a standalone pass encoding.
const recordVersion = 1

// CellPass is one timestamped machine measurement over a single cell.
// Passes are immutable once committed to a segment.
type CellPass struct {
	Time                time.Time
	Height              float32 // metres
	CCV                 int16   // tenths
	RMV                 int16
	MDP                 int16 // tenths
	Frequency           uint16
	Amplitude           uint16
	MaterialTemperature uint16 // tenths of a degree
	GPSMode             uint8
	CCA                 uint8
	MachineID           uint16
}

// Null returns a pass with every measurement set to its null value.
func Null() CellPass {
	return CellPass{
		Height:              NullHeight,
		CCV:                 NullCCV,
		RMV:                 NullRMV,
		MDP:                 NullMDP,
		Frequency:           NullFrequency,
		Amplitude:           NullAmplitude,
		MaterialTemperature: NullMaterialTemperature,
		GPSMode:             NullGPSMode,
		CCA:                 NullCCA,
		MachineID:           NullMachineID,
	}
}

// HasHeight reports whether the pass carries an elevation.
func (p CellPass) HasHeight() bool { return p.Height != NullHeight }

// Value returns the raw value of an attribute.
func (p CellPass) Value(a Attribute) int32 {
	switch a {
	case CCV:
		return int32(p.CCV)
	case RMV:
		return int32(p.RMV)
	case Frequency:
		return int32(p.Frequency)
	case Amplitude:
		return int32(p.Amplitude)
	case GPSMode:
		return int32(p.GPSMode)
	case Temperature:
		return int32(p.MaterialTemperature)
	case MDP:
		return int32(p.MDP)
	case CCA:
		return int32(p.CCA)
	}
	return 0
}

// SetValue stores v into the field of attribute a. v must be within a's
// Range or equal to its Null.
func (p *CellPass) SetValue(a Attribute, v int32) {
	switch a {
	case CCV:
		p.CCV = int16(v)
	case RMV:
		p.RMV = int16(v)
	case Frequency:
		p.Frequency = uint16(v)
	case Amplitude:
		p.Amplitude = uint16(v)
	case GPSMode:
		p.GPSMode = uint8(v)
	case Temperature:
		p.MaterialTemperature = uint16(v)
	case MDP:
		p.MDP = int16(v)
	case CCA:
		p.CCA = uint8(v)
	}
}

// IsNull reports whether the attribute holds its null value.
func (p CellPass) IsNull(a Attribute) bool {
	return p.Value(a) == a.Null()
}

// Encode writes the pass as a fixed RecordSize record.
func (p CellPass) Encode(w *wire.Writer) {
	w.Time(p.Time)
	w.F32(p.Height)
	w.I16(p.CCV)
	w.I16(p.RMV)
	w.I16(p.MDP)
	w.U16(p.Frequency)
	w.U16(p.Amplitude)
	w.U16(p.MaterialTemperature)
	w.U8(p.GPSMode)
	w.U8(p.CCA)
	w.U16(p.MachineID)
}

// Decode reads a record written by Encode.
func Decode(r *wire.Reader) CellPass {
	return CellPass{
		Time:                r.Time(),
		Height:              r.F32(),
		CCV:                 r.I16(),
		RMV:                 r.I16(),
		MDP:                 r.I16(),
		Frequency:           r.U16(),
		Amplitude:           r.U16(),
		MaterialTemperature: r.U16(),
		GPSMode:             r.U8(),
		CCA:                 r.U8(),
		MachineID:           r.U16(),
	}
}

// MarshalBinary encodes a single pass with a version byte.
func (p CellPass) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(recordVersion, RecordSize)
	p.Encode(w)
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a pass written by MarshalBinary.
func (p *CellPass) UnmarshalBinary(data []byte) error {
	r, err := wire.NewReader("cell pass", data, recordVersion)
	if err != nil {
		return err
	}
	out := Decode(r)
	if err := r.Finish(); err != nil {
		return err
	}
	*p = out
	return nil
}

func (p CellPass) String() string {
	return fmt.Sprintf("pass{%s machine=%d h=%.3f ccv=%d mdp=%d tmp=%d}",
		p.Time.Format(time.RFC3339Nano), p.MachineID, p.Height, p.CCV, p.MDP, p.MaterialTemperature)
}
