package segment

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/wire"
)

const leafVersion = 1

// Placed is a pass together with its position inside a leaf.
type Placed struct {
	X, Y uint8
	Pass cellpass.CellPass
}

// Leaf holds the cell pass history of one 32x32 leaf subgrid.
//
// All mutation happens under an exclusive lock, so readers see a leaf
// either before or after a write, never in between.
type Leaf struct {
	mu     sync.RWMutex
	origin subgridtree.Origin
	dir    *Directory
	latest [Cells]cellpass.LatestBits
}

// NewLeaf creates an empty leaf. Its signature matches the create callback of
// subgridtree.Tree.EnsureLeaf.
func NewLeaf(origin subgridtree.Origin) *Leaf {
	return &Leaf{origin: origin, dir: NewDirectory()}
}

// Origin returns the cell address of the leaf's bottom-left cell.
func (l *Leaf) Origin() subgridtree.Origin { return l.origin }

// AppendPass appends a pass to cell (x, y). The pass goes to the segment
// covering its time and must not be older than that segment's tail for the
// cell.
func (l *Leaf) AppendPass(x, y uint8, pass cellpass.CellPass) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.dir.Locate(pass.Time)
	if err := l.dir.segments[i].AppendPass(x, y, pass); err != nil {
		return err
	}
	for _, later := range l.dir.segments[i+1:] {
		if later.PassCount(x, y) > 0 {
			return nil
		}
	}
	l.latest[cellIndex(x, y)] = cellpass.BitsFor(pass)
	return nil
}

// Integrate adds passes in any order. They are staged in a scratch segment
// and adopted into the directory segment by segment, newest first, so each
// segment receives exactly the passes in its range merged in time order.
func (l *Leaf) Integrate(passes []Placed) int {
	if len(passes) == 0 {
		return 0
	}
	sorted := append([]Placed(nil), passes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pass.Time.Before(sorted[j].Pass.Time) })

	staging := NewSegment(MinTime, MaxTime)
	touched := make(map[int]struct{})
	for _, p := range sorted {
		// sorted input cannot be out of order and staging spans all time
		_ = staging.AppendPass(p.X, p.Y, p.Pass)
		touched[cellIndex(p.X, p.Y)] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	moved := 0
	for i := len(l.dir.segments) - 1; i >= 0; i-- {
		s := l.dir.segments[i]
		moved += AdoptCellPassesFrom(s, staging, s.Start)
	}
	for idx := range touched {
		l.refreshLatest(idx)
	}
	return moved
}

// RemovePass deletes the pass recorded for cell (x, y) by machineID at t.
// It reports whether a pass was removed.
func (l *Leaf) RemovePass(x, y uint8, machineID uint16, t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dir.Segment(t).removePass(x, y, machineID, t) {
		return false
	}
	l.refreshLatest(cellIndex(x, y))
	return true
}

// Cleave splits segments holding more than maxPasses passes.
func (l *Leaf) Cleave(maxPasses int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir.Cleave(maxPasses)
}

func (l *Leaf) refreshLatest(idx int) {
	x, y := uint8(idx%subgridtree.Dimension), uint8(idx/subgridtree.Dimension)
	if p, ok := l.lastPass(x, y); ok {
		l.latest[idx] = cellpass.BitsFor(p)
		return
	}
	l.latest[idx] = 0
}

func (l *Leaf) lastPass(x, y uint8) (cellpass.CellPass, bool) {
	for i := len(l.dir.segments) - 1; i >= 0; i-- {
		if c := l.dir.segments[i].Passes(x, y); len(c) > 0 {
			return c[len(c)-1], true
		}
	}
	return cellpass.CellPass{}, false
}

// PassCount returns the number of passes held for cell (x, y).
func (l *Leaf) PassCount(x, y uint8) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, s := range l.dir.segments {
		n += s.PassCount(x, y)
	}
	return n
}

// Pass returns the i'th pass of cell (x, y) in time order.
func (l *Leaf) Pass(x, y uint8, i int) (cellpass.CellPass, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i < 0 {
		return cellpass.CellPass{}, false
	}
	for _, s := range l.dir.segments {
		c := s.Passes(x, y)
		if i < len(c) {
			return c[i], true
		}
		i -= len(c)
	}
	return cellpass.CellPass{}, false
}

// Passes returns a copy of every pass of cell (x, y) in time order.
func (l *Leaf) Passes(x, y uint8) []cellpass.CellPass {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.passes(x, y)
}

func (l *Leaf) passes(x, y uint8) []cellpass.CellPass {
	var out []cellpass.CellPass
	for _, s := range l.dir.segments {
		out = append(out, s.Passes(x, y)...)
	}
	return out
}

// LatestBits returns the latest value bits of cell (x, y).
func (l *Leaf) LatestBits(x, y uint8) cellpass.LatestBits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest[cellIndex(x, y)]
}

// ReadAttribute returns the most recent non-null value of attr for cell
// (x, y). When the latest bit is set the value is read from the newest pass
// without scanning history. ok is false if no pass carries a value.
func (l *Leaf) ReadAttribute(x, y uint8, attr cellpass.Attribute) (value int32, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.latest[cellIndex(x, y)].Has(attr) {
		p, _ := l.lastPass(x, y)
		return p.Value(attr), true
	}
	for i := len(l.dir.segments) - 1; i >= 0; i-- {
		c := l.dir.segments[i].Passes(x, y)
		for k := len(c) - 1; k >= 0; k-- {
			if !c[k].IsNull(attr) {
				return c[k].Value(attr), true
			}
		}
	}
	return attr.Null(), false
}

// TotalPasses returns the number of passes in the leaf.
func (l *Leaf) TotalPasses() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dir.TotalPasses()
}

// IsEmpty reports whether the leaf holds no passes.
func (l *Leaf) IsEmpty() bool { return l.TotalPasses() == 0 }

// SegmentCount returns the number of segments in the leaf's directory.
func (l *Leaf) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.dir.segments)
}

// SegmentRanges returns the [Start, End) range of every segment.
func (l *Leaf) SegmentRanges() [][2]time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([][2]time.Time, len(l.dir.segments))
	for i, s := range l.dir.segments {
		out[i] = [2]time.Time{s.Start, s.End}
	}
	return out
}

// Snapshot is an immutable copy of a leaf's passes taken under its read
// lock. Query workers and the spatial cache operate on snapshots.
type Snapshot struct {
	Origin subgridtree.Origin
	Cells  [Cells][]cellpass.CellPass
	Latest [Cells]cellpass.LatestBits
}

// Passes returns the passes of cell (x, y).
func (s *Snapshot) Passes(x, y uint8) []cellpass.CellPass { return s.Cells[cellIndex(x, y)] }

// TotalPasses returns the number of passes in the snapshot.
func (s *Snapshot) TotalPasses() int {
	n := 0
	for i := range s.Cells {
		n += len(s.Cells[i])
	}
	return n
}

// Snapshot copies the leaf's current contents.
func (l *Leaf) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{Origin: l.origin, Latest: l.latest}
	for y := 0; y < subgridtree.Dimension; y++ {
		for x := 0; x < subgridtree.Dimension; x++ {
			snap.Cells[cellIndex(uint8(x), uint8(y))] = l.passes(uint8(x), uint8(y))
		}
	}
	return snap
}

// MarshalBinary encodes the leaf origin, latest bits and every segment.
func (l *Leaf) MarshalBinary() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w := wire.NewWriter(leafVersion, 12+Cells)
	w.U32(l.origin.X)
	w.U32(l.origin.Y)
	for _, b := range l.latest {
		w.U8(uint8(b))
	}
	w.U32(uint32(len(l.dir.segments)))
	for i, s := range l.dir.segments {
		data, err := s.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		w.Blob(data)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a leaf written by MarshalBinary.
func (l *Leaf) UnmarshalBinary(data []byte) error {
	r, err := wire.NewReader("leaf", data, leafVersion)
	if err != nil {
		return err
	}
	origin := subgridtree.Origin{X: r.U32(), Y: r.U32()}
	var latest [Cells]cellpass.LatestBits
	for i := range latest {
		latest[i] = cellpass.LatestBits(r.U8())
	}
	n := r.U32()
	if r.Err() == nil && int(n) > r.Remaining()/4 {
		r.Fail(wire.ErrTruncated)
	}
	dir := &Directory{}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		blob := r.Blob()
		if r.Err() != nil {
			break
		}
		var s Segment
		if err := s.UnmarshalBinary(blob); err != nil {
			return fmt.Errorf("leaf %s segment %d: %w", origin, i, err)
		}
		dir.segments = append(dir.segments, &s)
	}
	if err := r.Finish(); err != nil {
		return err
	}
	if err := dir.Validate(); err != nil {
		return fmt.Errorf("leaf %s: %w", origin, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.origin, l.dir, l.latest = origin, dir, latest
	return nil
}
