// Package tagfiletest builds TAG files for tests.
package tagfiletest

import (
	"bytes"
	"testing"
	"time"

	"github.com/nicktill/sitegrid/pkg/tagfile"
)

// Epoch describes one epoch to write. Values maps tag names to absolute
// unsigned values. Blade is written when non-nil as left and right
// easting, northing and elevation.
type Epoch struct {
	Time   time.Time
	Values map[string]uint32
	Blade  *[2][3]float64
}

// Machine is written once at the start of the file.
type Machine struct {
	HardwareID string
	Name       string
	Zone       uint8
	Design     string
}

// File encodes epochs with the default dictionary.
func File(t testing.TB, m Machine, epochs ...Epoch) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := tagfile.NewWriter(&buf, tagfile.DefaultDictionary())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if m.HardwareID != "" {
		w.Text(tagfile.TagHardwareID, m.HardwareID)
	}
	if m.Name != "" {
		w.Text(tagfile.TagMachineName, m.Name)
	}
	if m.Zone != 0 {
		w.Unsigned(tagfile.TagUTMZone, uint32(m.Zone))
	}
	if m.Design != "" {
		w.Text(tagfile.TagDesign, m.Design)
	}

	week := int64(-1)
	for _, e := range epochs {
		wk, ms := tagfile.UTCToGPS(e.Time)
		w.Unsigned(tagfile.TagTime, uint32(ms))
		if int64(wk) != week {
			w.Unsigned(tagfile.TagWeek, wk)
			week = int64(wk)
		}
		for name, v := range e.Values {
			w.Unsigned(name, v)
		}
		if e.Blade != nil {
			for s := range e.Blade {
				for ax, v := range e.Blade[s] {
					w.Double(tagfile.PositionTag(tagfile.Blade, tagfile.Side(s), tagfile.Axis(ax)), v)
				}
			}
		}
	}
	if err := w.Err(); err != nil {
		t.Fatalf("write tag file: %v", err)
	}
	return buf.Bytes()
}

// Blade returns a blade pair along the easting axis at one northing.
func Blade(leftE, rightE, northing, height float64) *[2][3]float64 {
	return &[2][3]float64{{leftE, northing, height}, {rightE, northing, height}}
}
