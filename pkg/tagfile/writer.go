package tagfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type entryKey struct {
	name string
	typ  ValueType
}

// Writer produces TAG files. It is used by tests and by tooling that
// synthesises files; machines write the format themselves.
type Writer struct {
	w       io.Writer
	entries map[entryKey]Entry
	buf     []byte
	err     error
}

// NewWriter writes the header and a dictionary made of entries. Entry ids
// must be non-zero and unique.
func NewWriter(w io.Writer, entries []Entry) (*Writer, error) {
	tw := &Writer{w: w, entries: make(map[entryKey]Entry, len(entries))}
	buf := append([]byte(nil), Magic[:]...)
	seen := make(map[uint16]bool, len(entries))
	for _, e := range entries {
		if e.ID == 0 || seen[e.ID] {
			return nil, fmt.Errorf("invalid dictionary id %d for %s", e.ID, e.Name)
		}
		if len(e.Name) == 0 || len(e.Name) > math.MaxUint8 {
			return nil, fmt.Errorf("invalid dictionary name %q", e.Name)
		}
		seen[e.ID] = true
		tw.entries[entryKey{e.Name, e.Type}] = e
		buf = binary.LittleEndian.AppendUint16(buf, e.ID)
		buf = append(buf, byte(e.Type), byte(len(e.Name)))
		buf = append(buf, e.Name...)
	}
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	if _, err := w.Write(buf); err != nil {
		return nil, err
	}
	return tw, nil
}

// Err returns the first error encountered by any write.
func (w *Writer) Err() error { return w.err }

func (w *Writer) lookup(name string, typ ValueType) (Entry, bool) {
	if w.err != nil {
		return Entry{}, false
	}
	e, ok := w.entries[entryKey{name, typ}]
	if !ok {
		w.err = fmt.Errorf("%w: no %s entry for %s", ErrTypeMismatch, typ, name)
	}
	return e, ok
}

func (w *Writer) emit(e Entry, payload []byte) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf[:0], e.ID)
	w.buf = append(w.buf, payload...)
	if _, err := w.w.Write(w.buf); err != nil {
		w.err = err
	}
}

// Empty writes a value-less tag.
func (w *Writer) Empty(name string) {
	if e, ok := w.lookup(name, TypeEmpty); ok {
		w.emit(e, nil)
	}
}

// Unsigned writes v using the narrowest unsigned entry declared for name.
func (w *Writer) Unsigned(name string, v uint32) {
	if w.err != nil {
		return
	}
	for _, typ := range []ValueType{TypeUnsigned8, TypeUnsigned16, TypeUnsigned32} {
		e, ok := w.entries[entryKey{name, typ}]
		if !ok || v > maxUnsigned(typ) {
			continue
		}
		w.emit(e, appendFixed(nil, typ, uint64(v)))
		return
	}
	w.lookup(name, TypeUnsigned32)
}

// Signed writes a delta using the narrowest signed entry declared for name.
func (w *Writer) Signed(name string, v int32) {
	if w.err != nil {
		return
	}
	for _, typ := range []ValueType{TypeSigned8, TypeSigned16, TypeSigned32} {
		e, ok := w.entries[entryKey{name, typ}]
		if !ok || v < -maxSigned(typ)-1 || v > maxSigned(typ) {
			continue
		}
		w.emit(e, appendFixed(nil, typ, uint64(uint32(v))))
		return
	}
	w.lookup(name, TypeSigned32)
}

// Double writes a Float64 value.
func (w *Writer) Double(name string, v float64) {
	if e, ok := w.lookup(name, TypeFloat64); ok {
		w.emit(e, appendFixed(nil, TypeFloat64, math.Float64bits(v)))
	}
}

// Text writes a length-prefixed string.
func (w *Writer) Text(name, s string) {
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("text value for %s is too long", name)
		return
	}
	if e, ok := w.lookup(name, TypeText); ok {
		payload := binary.LittleEndian.AppendUint16(nil, uint16(len(s)))
		w.emit(e, append(payload, s...))
	}
}

// Raw writes an arbitrary id and payload. Tests use it to corrupt streams.
func (w *Writer) Raw(id uint16, payload []byte) {
	if w.err != nil {
		return
	}
	w.emit(Entry{ID: id}, payload)
}

func maxUnsigned(t ValueType) uint32 {
	switch t {
	case TypeUnsigned8:
		return math.MaxUint8
	case TypeUnsigned16:
		return math.MaxUint16
	}
	return math.MaxUint32
}

func maxSigned(t ValueType) int32 {
	switch t {
	case TypeSigned8:
		return math.MaxInt8
	case TypeSigned16:
		return math.MaxInt16
	}
	return math.MaxInt32
}

func appendFixed(b []byte, t ValueType, v uint64) []byte {
	switch t.fixedSize() {
	case 1:
		return append(b, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(b, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	case 8:
		return binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}
