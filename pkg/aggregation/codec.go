package aggregation

import "github.com/nicktill/sitegrid/pkg/wire"

const aggregatorVersion = 1

// EncodeConfig writes a Config in fixed order.
func EncodeConfig(w *wire.Writer, c Config) {
	w.U8(uint8(c.Kind))
	w.F64(c.CellSize)
	w.I32(c.TargetMin)
	w.I32(c.TargetMax)
	w.I64(c.ReferenceElevation)
	w.I64(c.Tolerance)
}

// DecodeConfig reads a Config written by EncodeConfig.
func DecodeConfig(r *wire.Reader) Config {
	return Config{
		Kind:               Kind(r.U8()),
		CellSize:           r.F64(),
		TargetMin:          r.I32(),
		TargetMax:          r.I32(),
		ReferenceElevation: r.I64(),
		Tolerance:          r.I64(),
	}
}

// Encode writes configuration and state in fixed order.
func (a Aggregator) Encode(w *wire.Writer) {
	EncodeConfig(w, a.Config)

	w.I64(a.Cells)
	w.I64(a.Below)
	w.I64(a.Within)
	w.I64(a.Above)
	w.I64(a.Sum)
	w.I64(a.Min)
	w.I64(a.Max)
	w.I64(a.CutMM)
	w.I64(a.FillMM)

	w.Bool(a.HasDatum)
	if a.HasDatum {
		encodeCell(w, a.Datum)
	}
}

// Decode reads an Aggregator written by Encode.
func Decode(r *wire.Reader) Aggregator {
	a := Aggregator{Config: DecodeConfig(r)}
	a.Cells = r.I64()
	a.Below = r.I64()
	a.Within = r.I64()
	a.Above = r.I64()
	a.Sum = r.I64()
	a.Min = r.I64()
	a.Max = r.I64()
	a.CutMM = r.I64()
	a.FillMM = r.I64()

	if a.HasDatum = r.Bool(); a.HasDatum {
		a.Datum = decodeCell(r)
	}
	return a
}

func encodeCell(w *wire.Writer, c CellValue) {
	w.U32(c.CellX)
	w.U32(c.CellY)
	w.I32(c.Value)
	w.F32(c.Height)
	w.Time(c.Time)
}

func decodeCell(r *wire.Reader) CellValue {
	return CellValue{
		CellX:  r.U32(),
		CellY:  r.U32(),
		Value:  r.I32(),
		Height: r.F32(),
		Time:   r.Time(),
	}
}

// EncodeResult writes a SubGridResult.
func EncodeResult(w *wire.Writer, res SubGridResult) {
	w.U32(res.Origin.X)
	w.U32(res.Origin.Y)
	w.U32(uint32(len(res.Cells)))
	for _, c := range res.Cells {
		encodeCell(w, c)
	}
}

// DecodeResult reads a SubGridResult written by EncodeResult.
func DecodeResult(r *wire.Reader) SubGridResult {
	var res SubGridResult
	res.Origin.X = r.U32()
	res.Origin.Y = r.U32()
	n := int(r.U32())
	if n > 0 {
		res.Cells = make([]CellValue, 0, min(n, r.Remaining()/24))
		for i := 0; i < n && r.Err() == nil; i++ {
			res.Cells = append(res.Cells, decodeCell(r))
		}
	}
	return res
}

// MarshalBinary encodes the aggregator with a version byte.
func (a Aggregator) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(aggregatorVersion, 128)
	a.Encode(w)
	return w.Bytes(), nil
}

// UnmarshalBinary decodes an aggregator produced by MarshalBinary.
func (a *Aggregator) UnmarshalBinary(data []byte) error {
	r, err := wire.NewReader("aggregator", data, aggregatorVersion)
	if err != nil {
		return err
	}
	decoded := Decode(r)
	if err := r.Finish(); err != nil {
		return err
	}
	*a = decoded
	return nil
}
