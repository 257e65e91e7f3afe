package tagfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Reader reads the three sections of a TAG file in order: header,
// dictionary and value stream.
type Reader struct {
	r      *bufio.Reader
	offset int64
	dict   Dictionary
	buf    [8]byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Offset is the number of bytes consumed so far.
func (r *Reader) Offset() int64 { return r.offset }

// Dictionary returns the dictionary read by ReadDictionary.
func (r *Reader) Dictionary() Dictionary { return r.dict }

func (r *Reader) read(n int) ([]byte, error) {
	var p []byte
	if n <= len(r.buf) {
		p = r.buf[:n]
	} else {
		p = make([]byte, n)
	}
	read, err := io.ReadFull(r.r, p)
	r.offset += int64(read)
	return p, err
}

// ReadHeader consumes and checks the magic.
func (r *Reader) ReadHeader() error {
	p, err := r.read(len(Magic))
	if err != nil {
		return &DictionaryError{Offset: r.offset, Reason: "missing header", Err: err}
	}
	if [4]byte(p) != Magic {
		return &DictionaryError{Offset: 0, Reason: fmt.Sprintf("bad magic %q", p)}
	}
	return nil
}

// ReadDictionary reads entries up to and including the zero terminator.
// Every failure is a *DictionaryError.
func (r *Reader) ReadDictionary() (Dictionary, error) {
	dict := make(Dictionary)
	for {
		start := r.offset
		p, err := r.read(2)
		if err != nil {
			return nil, &DictionaryError{Offset: start, Reason: "missing terminator", Err: err}
		}
		id := binary.LittleEndian.Uint16(p)
		if id == 0 {
			r.dict = dict
			return dict, nil
		}

		p, err = r.read(2)
		if err != nil {
			return nil, &DictionaryError{Offset: start, Reason: "truncated entry", Err: err}
		}
		typ, nameLen := ValueType(p[0]), int(p[1])
		if !typ.Valid() {
			return nil, &DictionaryError{Offset: start, Reason: fmt.Sprintf("tag %d has unknown type %d", id, uint8(typ))}
		}
		if nameLen == 0 {
			return nil, &DictionaryError{Offset: start, Reason: fmt.Sprintf("tag %d has an empty name", id)}
		}
		name, err := r.read(nameLen)
		if err != nil {
			return nil, &DictionaryError{Offset: start, Reason: "truncated name", Err: err}
		}
		if prev, dup := dict[id]; dup {
			return nil, &DictionaryError{Offset: start, Reason: fmt.Sprintf("duplicate id %d (%s)", id, prev.Name)}
		}
		dict[id] = Entry{ID: id, Type: typ, Name: string(name)}
	}
}

// Next returns the next value. It returns io.EOF at a clean end of stream,
// io.ErrUnexpectedEOF if a value is cut short and ErrUnknownTag for an id
// missing from the dictionary.
func (r *Reader) Next() (Value, error) {
	start := r.offset
	p, err := r.read(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Value{}, io.EOF
		}
		return Value{}, fmt.Errorf("tag id at offset %d: %w", start, err)
	}
	id := binary.LittleEndian.Uint16(p)
	entry, ok := r.dict[id]
	if !ok {
		return Value{}, fmt.Errorf("%w: id %d at offset %d", ErrUnknownTag, id, start)
	}

	v := Value{Entry: entry, Offset: start}
	if entry.Type == TypeText {
		p, err = r.read(2)
		if err == nil {
			p, err = r.read(int(binary.LittleEndian.Uint16(p)))
			v.Text = string(p)
		}
	} else {
		p, err = r.read(entry.Type.fixedSize())
		if err == nil {
			decodeFixed(&v, p)
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Value{}, fmt.Errorf("value of %s at offset %d: %w", entry, start, err)
	}
	return v, nil
}

func decodeFixed(v *Value, p []byte) {
	switch v.Entry.Type {
	case TypeUnsigned8:
		v.Unsigned = uint32(p[0])
	case TypeUnsigned16:
		v.Unsigned = uint32(binary.LittleEndian.Uint16(p))
	case TypeUnsigned32:
		v.Unsigned = binary.LittleEndian.Uint32(p)
	case TypeSigned8:
		v.Signed = int32(int8(p[0]))
	case TypeSigned16:
		v.Signed = int32(int16(binary.LittleEndian.Uint16(p)))
	case TypeSigned32:
		v.Signed = int32(binary.LittleEndian.Uint32(p))
	case TypeFloat64:
		v.Double = math.Float64frombits(binary.LittleEndian.Uint64(p))
	}
}
