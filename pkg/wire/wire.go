// Package wire holds the little-endian field codec shared by every persisted
// and inter-node form. Each encoding starts with a one byte version number;
// decoders list the versions they understand and reject anything else.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnknownVersion is returned when the leading version byte is not one
	// the reader understands.
	ErrUnknownVersion = errors.New("unknown serialization version")

	// ErrTruncated is returned when the payload ends before all fields are read.
	ErrTruncated = errors.New("truncated payload")

	// ErrTrailingData is returned when bytes remain after the last field.
	ErrTrailingData = errors.New("trailing data after payload")
)

// SerializationError reports a failed decode of a versioned payload.
type SerializationError struct {
	Kind    string // e.g. "segment", "existence map"
	Version byte
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decode %s (version %d): %v", e.Kind, e.Version, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Writer appends fixed-width little-endian fields to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter starts a payload with the given version byte.
func NewWriter(version byte, sizeHint int) *Writer {
	w := &Writer{buf: make([]byte, 0, sizeHint+1)}
	w.buf = append(w.buf, version)
	return w
}

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) I16(v int16)  { w.U16(uint16(v)) }
func (w *Writer) I32(v int32)  { w.U32(uint32(v)) }
func (w *Writer) I64(v int64)  { w.U64(uint64(v)) }
func (w *Writer) F32(v float32) {
	w.U32(math.Float32bits(v))
}
func (w *Writer) F64(v float64) {
	w.U64(math.Float64bits(v))
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// zeroTime marks the zero time.Time. Unix 0 is a valid pass time.
const zeroTime = math.MinInt64

// Time writes t as Unix nanoseconds. The zero time is written as zeroTime.
func (w *Writer) Time(t time.Time) {
	if t.IsZero() {
		w.I64(zeroTime)
		return
	}
	w.I64(t.UnixNano())
}

// Blob writes a uint32 length prefix followed by b.
func (w *Writer) Blob(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Str writes a uint16 length prefix followed by s.
func (w *Writer) Str(s string) {
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Bytes returns the encoded payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes fields written by Writer. The first error sticks; every
// accessor returns the zero value once an error has occurred.
type Reader struct {
	kind    string
	version byte
	data    []byte
	off     int
	err     error
}

// NewReader checks the version byte of data against supported.
func NewReader(kind string, data []byte, supported ...byte) (*Reader, error) {
	if len(data) == 0 {
		return nil, &SerializationError{Kind: kind, Err: ErrTruncated}
	}
	version := data[0]
	for _, v := range supported {
		if v == version {
			return &Reader{kind: kind, version: version, data: data, off: 1}, nil
		}
	}
	return nil, &SerializationError{Kind: kind, Version: version, Err: ErrUnknownVersion}
}

// Version returns the version byte of the payload.
func (r *Reader) Version() byte { return r.version }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) U16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) U64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *Reader) I16() int16   { return int16(r.U16()) }
func (r *Reader) I32() int32   { return int32(r.U32()) }
func (r *Reader) I64() int64   { return int64(r.U64()) }
func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }
func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }
func (r *Reader) Bool() bool   { return r.U8() != 0 }

// Time reads a value written by Writer.Time. Times are returned in UTC.
func (r *Reader) Time() time.Time {
	n := r.I64()
	if n == zeroTime {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Blob reads a uint32 length-prefixed byte slice. The result aliases the
// input buffer.
func (r *Reader) Blob() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	return r.take(int(n))
}

func (r *Reader) Str() string {
	n := r.U16()
	if r.err != nil {
		return ""
	}
	return string(r.take(int(n)))
}

// Raw reads n bytes without a length prefix.
func (r *Reader) Raw(n int) []byte { return r.take(n) }

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Fail records err as the reader's error if none is set yet.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first decode error wrapped in a SerializationError.
func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}
	return &SerializationError{Kind: r.kind, Version: r.version, Err: r.err}
}

// Finish returns Err, or ErrTrailingData if unread bytes remain.
func (r *Reader) Finish() error {
	if r.err == nil && r.off != len(r.data) {
		r.err = ErrTrailingData
	}
	return r.Err()
}
