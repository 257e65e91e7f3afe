package segment

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrDirectoryGap is returned when decoded segments do not tile
// [MinTime, MaxTime).
var ErrDirectoryGap = errors.New("segment directory has a gap or overlap")

// Directory is the ordered list of segments of one leaf.
type Directory struct {
	segments []*Segment
}

// NewDirectory returns a directory holding a single segment that covers all
// time.
func NewDirectory() *Directory {
	return &Directory{segments: []*Segment{NewSegment(MinTime, MaxTime)}}
}

// Segments returns the segments in time order.
func (d *Directory) Segments() []*Segment { return d.segments }

// Locate returns the index of the segment whose range contains t. Times at
// or beyond MaxTime map to the last segment.
func (d *Directory) Locate(t time.Time) int {
	// first segment ending after t
	i := sort.Search(len(d.segments), func(i int) bool { return t.Before(d.segments[i].End) })
	return min(i, len(d.segments)-1)
}

// Segment returns the segment whose range contains t.
func (d *Directory) Segment(t time.Time) *Segment {
	return d.segments[d.Locate(t)]
}

// TotalPasses returns the number of passes held by all segments.
func (d *Directory) TotalPasses() int {
	total := 0
	for _, s := range d.segments {
		total += s.TotalPasses()
	}
	return total
}

// Validate checks that the segments tile [MinTime, MaxTime).
func (d *Directory) Validate() error {
	if len(d.segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrDirectoryGap)
	}
	if !d.segments[0].Start.Equal(MinTime) || !d.segments[len(d.segments)-1].End.Equal(MaxTime) {
		return fmt.Errorf("%w: directory does not span all time", ErrDirectoryGap)
	}
	for i, s := range d.segments {
		if !s.Start.Before(s.End) {
			return fmt.Errorf("%w: segment %d is empty", ErrDirectoryGap, i)
		}
		if i > 0 && !d.segments[i-1].End.Equal(s.Start) {
			return fmt.Errorf("%w: segments %d and %d", ErrDirectoryGap, i-1, i)
		}
	}
	return nil
}

// Cleave splits every segment holding more than maxPasses passes at the
// median pass time. The upper half is moved into a new segment through
// AdoptCellPassesFrom. It returns the number of segments created.
func (d *Directory) Cleave(maxPasses int) int {
	if maxPasses <= 0 {
		return 0
	}
	created := 0
	for i := 0; i < len(d.segments); i++ {
		s := d.segments[i]
		if s.TotalPasses() <= maxPasses {
			continue
		}
		cutoff, ok := cleaveTime(s)
		if !ok {
			continue
		}
		upper := NewSegment(cutoff, s.End)
		AdoptCellPassesFrom(upper, s, cutoff)
		s.End = cutoff

		d.segments = append(d.segments, nil)
		copy(d.segments[i+2:], d.segments[i+1:])
		d.segments[i+1] = upper
		created++
		// revisit the shrunken segment in case it is still over the limit
		i--
	}
	return created
}

// cleaveTime picks the median pass time of s. ok is false if every pass
// shares one timestamp and the segment cannot be split.
func cleaveTime(s *Segment) (time.Time, bool) {
	times := make([]time.Time, 0, s.TotalPasses())
	for i := range s.cells {
		for _, p := range s.cells[i] {
			times = append(times, p.Time)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	cutoff := times[len(times)/2]
	if cutoff.After(times[0]) {
		return cutoff, true
	}
	for _, t := range times {
		if t.After(times[0]) {
			return t, true
		}
	}
	return time.Time{}, false
}
