package tagfile

import (
	"errors"
	"fmt"
)

// Magic is the first four bytes of every TAG file.
var Magic = [4]byte{'T', 'A', 'G', '1'}

var (
	// ErrMalformedDictionary is returned when the dictionary section cannot
	// be read. The whole file is rejected.
	ErrMalformedDictionary = errors.New("malformed tag dictionary")

	// ErrUnknownTag is returned when the value stream references an id that
	// is not in the dictionary. The stream cannot be resynchronised.
	ErrUnknownTag = errors.New("tag id not in dictionary")

	// ErrTypeMismatch is returned by Writer when a value does not match the
	// declared type of its tag.
	ErrTypeMismatch = errors.New("value does not match declared tag type")
)

// DictionaryError reports where and why the dictionary section is invalid.
type DictionaryError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *DictionaryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v at offset %d: %s: %v", ErrMalformedDictionary, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v at offset %d: %s", ErrMalformedDictionary, e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrMalformedDictionary) hold for every
// DictionaryError.
func (e *DictionaryError) Is(target error) bool { return target == ErrMalformedDictionary }

func (e *DictionaryError) Unwrap() error { return e.Err }

// ValueType is the declared payload type of a tag.
type ValueType uint8

const (
	TypeEmpty ValueType = iota
	TypeUnsigned8
	TypeUnsigned16
	TypeUnsigned32
	TypeSigned8
	TypeSigned16
	TypeSigned32
	TypeFloat64
	TypeText

	numValueTypes
)

var valueTypeNames = [numValueTypes]string{"empty", "u8", "u16", "u32", "s8", "s16", "s32", "f64", "text"}

func (t ValueType) String() string {
	if t < numValueTypes {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t ValueType) Valid() bool { return t < numValueTypes }

// IsUnsigned reports whether values of t are routed to ProcessUnsigned.
func (t ValueType) IsUnsigned() bool {
	return t == TypeUnsigned8 || t == TypeUnsigned16 || t == TypeUnsigned32
}

// IsSigned reports whether values of t are routed to ProcessSigned.
func (t ValueType) IsSigned() bool {
	return t == TypeSigned8 || t == TypeSigned16 || t == TypeSigned32
}

// fixedSize returns the payload size of fixed width types; Text returns -1.
func (t ValueType) fixedSize() int {
	switch t {
	case TypeEmpty:
		return 0
	case TypeUnsigned8, TypeSigned8:
		return 1
	case TypeUnsigned16, TypeSigned16:
		return 2
	case TypeUnsigned32, TypeSigned32:
		return 4
	case TypeFloat64:
		return 8
	}
	return -1
}

// Entry is one dictionary row. Several entries may share a name with
// different types, for example an absolute and a delta form of one tag.
type Entry struct {
	ID   uint16
	Type ValueType
	Name string
}

func (e Entry) String() string { return fmt.Sprintf("%s#%d(%s)", e.Name, e.ID, e.Type) }

// Dictionary maps tag ids to their entries.
type Dictionary map[uint16]Entry

// Value is one decoded value from the value stream. Only the field matching
// Entry.Type is set.
type Value struct {
	Entry    Entry
	Unsigned uint32
	Signed   int32
	Double   float64
	Text     string

	// Offset of the value's id in the file
	Offset int64
}

func (v Value) String() string {
	switch {
	case v.Entry.Type == TypeEmpty:
		return v.Entry.Name + "=<empty>"
	case v.Entry.Type.IsUnsigned():
		return fmt.Sprintf("%s=%d", v.Entry.Name, v.Unsigned)
	case v.Entry.Type.IsSigned():
		return fmt.Sprintf("%s=%+d", v.Entry.Name, v.Signed)
	case v.Entry.Type == TypeFloat64:
		return fmt.Sprintf("%s=%g", v.Entry.Name, v.Double)
	}
	return fmt.Sprintf("%s=%q", v.Entry.Name, v.Text)
}
