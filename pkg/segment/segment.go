// Package segment stores the time-ordered cell passes of a leaf subgrid.
//
// A leaf's history is split into segments, each covering a half-open time
// range [Start, End). The segments of a leaf form a Directory that covers
// [MinTime, MaxTime) without gaps or overlaps. Passes within a segment are
// kept in time order per cell; they are only ever moved between segments
// through AdoptCellPassesFrom.
package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/wire"
)

// Cells is the number of cells in a leaf subgrid.
const Cells = subgridtree.CellsPerSubGrid

var (
	// MinTime is the start of the first segment of every directory.
	MinTime = time.Time{}
	// MaxTime is the end of the last segment of every directory.
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

var (
	// ErrOutOfOrderPass is returned when a pass is older than the tail of
	// its cell in the target segment.
	ErrOutOfOrderPass = errors.New("cell pass out of order")

	// ErrOutsideSegment is returned when a pass time falls outside the
	// segment's range.
	ErrOutsideSegment = errors.New("cell pass outside segment time range")

	// ErrUnknownVersion is returned for encodings from an unknown version.
	ErrUnknownVersion = wire.ErrUnknownVersion
)

// SerializationError reports a failed segment or leaf decode.
type SerializationError = wire.SerializationError

const segmentVersion = 1

// Segment holds the passes of every cell of one leaf within [Start, End).
// Segment is not safe for concurrent use; Leaf guards it.
type Segment struct {
	Start, End time.Time
	cells      [Cells][]cellpass.CellPass
}

// NewSegment creates an empty segment covering [start, end).
func NewSegment(start, end time.Time) *Segment {
	return &Segment{Start: start, End: end}
}

func cellIndex(x, y uint8) int { return int(y)*subgridtree.Dimension + int(x) }

// Contains reports whether t lies within [Start, End).
func (s *Segment) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// PassCount returns the number of passes held for the cell.
func (s *Segment) PassCount(x, y uint8) int { return len(s.cells[cellIndex(x, y)]) }

// Pass returns the i'th pass of the cell.
func (s *Segment) Pass(x, y uint8, i int) cellpass.CellPass { return s.cells[cellIndex(x, y)][i] }

// Passes returns the passes of the cell. The slice must not be modified.
func (s *Segment) Passes(x, y uint8) []cellpass.CellPass { return s.cells[cellIndex(x, y)] }

// TotalPasses returns the number of passes over all cells.
func (s *Segment) TotalPasses() int {
	total := 0
	for i := range s.cells {
		total += len(s.cells[i])
	}
	return total
}

// MaxPassCount returns the largest per-cell pass count.
func (s *Segment) MaxPassCount() int {
	m := 0
	for i := range s.cells {
		m = max(m, len(s.cells[i]))
	}
	return m
}

// AppendPass appends pass at the tail of the cell.
func (s *Segment) AppendPass(x, y uint8, pass cellpass.CellPass) error {
	if !s.Contains(pass.Time) {
		return fmt.Errorf("%w: %s not in [%s, %s)", ErrOutsideSegment,
			pass.Time.Format(time.RFC3339Nano), s.Start.Format(time.RFC3339Nano), s.End.Format(time.RFC3339Nano))
	}
	c := &s.cells[cellIndex(x, y)]
	if n := len(*c); n > 0 && pass.Time.Before((*c)[n-1].Time) {
		return fmt.Errorf("%w: cell (%d,%d) tail %s, pass %s", ErrOutOfOrderPass, x, y,
			(*c)[n-1].Time.Format(time.RFC3339Nano), pass.Time.Format(time.RFC3339Nano))
	}
	*c = append(*c, pass)
	return nil
}

// removePass removes the first pass of the cell recorded by machineID at t.
func (s *Segment) removePass(x, y uint8, machineID uint16, t time.Time) bool {
	c := &s.cells[cellIndex(x, y)]
	i := sort.Search(len(*c), func(i int) bool { return !(*c)[i].Time.Before(t) })
	for ; i < len(*c) && (*c)[i].Time.Equal(t); i++ {
		if (*c)[i].MachineID == machineID {
			*c = append((*c)[:i], (*c)[i+1:]...)
			if len(*c) == 0 {
				*c = nil
			}
			return true
		}
	}
	return false
}

// AdoptCellPassesFrom moves every pass in source timestamped at or after
// cutoff into dest. Moved passes are merged into dest in time order; passes
// already in dest come first when times are equal. It returns the number of
// passes moved. Segment ranges are left for the caller to adjust.
func AdoptCellPassesFrom(dest, source *Segment, cutoff time.Time) int {
	moved := 0
	for i := range source.cells {
		src := source.cells[i]
		at := sort.Search(len(src), func(j int) bool { return !src[j].Time.Before(cutoff) })
		if at == len(src) {
			continue
		}
		tail := src[at:]
		dest.cells[i] = mergePasses(dest.cells[i], tail)
		moved += len(tail)

		// copy the head so later appends cannot overwrite the moved tail
		source.cells[i] = append([]cellpass.CellPass(nil), src[:at]...)
	}
	return moved
}

func mergePasses(a, b []cellpass.CellPass) []cellpass.CellPass {
	out := make([]cellpass.CellPass, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Time.Before(a[i].Time) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// PassCountSize returns the number of bytes used to encode per-cell pass
// counts for a segment whose largest cell holds maxCount passes.
func PassCountSize(maxCount int) int {
	switch {
	case maxCount < 1<<8:
		return 1
	case maxCount < 1<<15:
		return 2
	default:
		return 3
	}
}

// MarshalBinary encodes the segment: version, range, count width, per-cell
// counts, then every pass in cell order.
func (s *Segment) MarshalBinary() ([]byte, error) {
	maxCount := s.MaxPassCount()
	if maxCount >= 1<<24 {
		return nil, fmt.Errorf("segment cell holds %d passes, limit is %d", maxCount, 1<<24-1)
	}
	total := s.TotalPasses()
	width := PassCountSize(maxCount)

	w := wire.NewWriter(segmentVersion, 17+Cells*width+total*cellpass.RecordSize)
	w.Time(s.Start)
	w.Time(s.End)
	w.U8(uint8(width))
	var buf [4]byte
	for i := range s.cells {
		n := uint32(len(s.cells[i]))
		buf[0], buf[1], buf[2] = byte(n), byte(n>>8), byte(n>>16)
		w.Raw(buf[:width])
	}
	for i := range s.cells {
		for _, p := range s.cells[i] {
			p.Encode(w)
		}
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a segment written by MarshalBinary.
func (s *Segment) UnmarshalBinary(data []byte) error {
	r, err := wire.NewReader("segment", data, segmentVersion)
	if err != nil {
		return err
	}
	out := Segment{Start: r.Time(), End: r.Time()}
	width := int(r.U8())
	if r.Err() == nil && (width < 1 || width > 3) {
		r.Fail(fmt.Errorf("invalid pass count width %d", width))
	}

	var counts [Cells]int
	for i := range counts {
		b := r.Raw(width)
		if b == nil {
			break
		}
		for k := width - 1; k >= 0; k-- {
			counts[i] = counts[i]<<8 | int(b[k])
		}
	}
	for i := range out.cells {
		if counts[i] == 0 || r.Err() != nil {
			continue
		}
		if counts[i]*cellpass.RecordSize > r.Remaining() {
			r.Fail(wire.ErrTruncated)
			break
		}
		out.cells[i] = make([]cellpass.CellPass, counts[i])
		for k := range out.cells[i] {
			out.cells[i][k] = cellpass.Decode(r)
		}
	}
	if err := r.Finish(); err != nil {
		return err
	}
	*s = out
	return nil
}
