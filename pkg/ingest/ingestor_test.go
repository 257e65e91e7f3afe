package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/tagfile"
	"github.com/nicktill/sitegrid/pkg/tagfile/tagfiletest"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// blockFile drives a 0.68 m blade north over a 2x2 block of 0.34 m cells.
// Row 0 is stamped with CCV 310 and row 1 with CCV 320.
func blockFile(t *testing.T, hardwareID string) []byte {
	return tagfiletest.File(t,
		tagfiletest.Machine{HardwareID: hardwareID, Name: "roller-" + hardwareID, Design: "pad-a"},
		ccvEpoch(0, 300, 0),
		ccvEpoch(1, 310, 0.34),
		ccvEpoch(2, 320, 0.68),
	)
}

// reworkFile drives north over row 0 and back again, leaving two passes on
// each cell of the row: CCV 310 then CCV 325.
func reworkFile(t *testing.T, hardwareID string) []byte {
	return tagfiletest.File(t,
		tagfiletest.Machine{HardwareID: hardwareID, Name: "roller-" + hardwareID, Design: "pad-a"},
		ccvEpoch(0, 300, 0),
		ccvEpoch(1, 310, 0.34),
		ccvEpoch(2, 325, 0),
	)
}

func ccvEpoch(sec int, ccv uint32, northing float64) tagfiletest.Epoch {
	return tagfiletest.Epoch{
		Time:   t0.Add(time.Duration(sec) * time.Second),
		Values: map[string]uint32{tagfile.TagCCV: ccv},
		Blade:  tagfiletest.Blade(0, 0.68, northing, 10),
	}
}

func newTestIngestor() (*Ingestor, *sitemodel.Registry) {
	models := sitemodel.NewRegistry(nil, sitemodel.Options{Logger: logging.Discard()})
	return NewIngestor(models, WithLogger(logging.Discard())), models
}

func TestIngestBlock(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()

	report, err := ing.Ingest(context.Background(), project, "block.tag", bytes.NewReader(blockFile(t, "HW-1")))
	require.NoError(t, err)
	assert.Equal(t, "HW-1", report.Machine)
	assert.Equal(t, 3, report.Epochs)
	assert.Equal(t, 4, report.Passes)
	assert.Equal(t, 1, report.Leaves)
	assert.Equal(t, t0, report.Start)

	m, ok := models.Get(project)
	require.True(t, ok)
	origin := subgridtree.LeafOrigin(subgridtree.IndexOriginOffset, subgridtree.IndexOriginOffset)
	assert.True(t, m.ExistenceMap().Test(origin))
	assert.Equal(t, 1, m.ExistenceMap().Count())

	for _, c := range [][2]uint32{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		cx, cy := subgridtree.IndexOriginOffset+c[0], subgridtree.IndexOriginOffset+c[1]
		passes := m.Passes(cx, cy)
		require.Len(t, passes, 1, "cell %v", c)
		assert.Equal(t, report.MachineID, passes[0].MachineID)
		assert.InDelta(t, 10, passes[0].Height, 1e-6)
		assert.Equal(t, t0.Add(time.Duration(1+c[1])*time.Second), passes[0].Time)
		v, ok := m.ReadAttribute(cx, cy, cellpass.CCV)
		require.True(t, ok)
		assert.Equal(t, int32(310+10*c[1]), v, "cell %v", c)
	}

	mc, ok := m.Machines().Get(report.MachineID)
	require.True(t, ok)
	assert.Equal(t, "roller-HW-1", mc.Name)
	assert.Equal(t, t0.Add(2*time.Second), mc.LastSeen)
	assert.InDelta(t, 0.34, mc.LastX, 1e-9)
	assert.InDelta(t, 0.68, mc.LastY, 1e-9)
}

func TestIngestTwiceReusesMachine(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()
	data := blockFile(t, "HW-1")

	first, err := ing.Ingest(context.Background(), project, "a.tag", bytes.NewReader(data))
	require.NoError(t, err)
	second, err := ing.Ingest(context.Background(), project, "b.tag", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, first.MachineID, second.MachineID)

	m, _ := models.Get(project)
	assert.Equal(t, 1, m.Machines().Len())
}

func TestRemoveClearsExistence(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()
	data := blockFile(t, "HW-1")

	_, err := ing.Ingest(context.Background(), project, "block.tag", bytes.NewReader(data))
	require.NoError(t, err)

	report, err := ing.Remove(context.Background(), project, "block.tag", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Passes)
	assert.Equal(t, 1, report.Emptied)

	m, _ := models.Get(project)
	assert.Zero(t, m.ExistenceMap().Count())
}

func TestRemoveUnknownMachine(t *testing.T) {
	ing, _ := newTestIngestor()
	project := uuid.New()

	_, err := ing.Ingest(context.Background(), project, "a.tag", bytes.NewReader(blockFile(t, "HW-1")))
	require.NoError(t, err)
	_, err = ing.Remove(context.Background(), project, "b.tag", bytes.NewReader(blockFile(t, "HW-2")))
	require.ErrorIs(t, err, ErrUnknownMachine)
}

func TestRemoveUnknownProject(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()

	_, err := ing.Remove(context.Background(), project, "a.tag", bytes.NewReader(blockFile(t, "HW-1")))
	require.ErrorIs(t, err, ErrUnknownProject)
	_, ok := models.Get(project)
	assert.False(t, ok)
	assert.Empty(t, models.Projects())
}

func TestIngestRejectsFiles(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()

	t.Run("garbage", func(t *testing.T) {
		_, err := ing.Ingest(context.Background(), project, "junk.tag", bytes.NewReader([]byte("not a tag file")))
		require.ErrorIs(t, err, ErrRejectedFile)
	})
	t.Run("no machine", func(t *testing.T) {
		data := tagfiletest.File(t, tagfiletest.Machine{},
			tagfiletest.Epoch{Time: t0, Blade: tagfiletest.Blade(0, 1, 0, 0)})
		_, err := ing.Ingest(context.Background(), project, "anon.tag", bytes.NewReader(data))
		require.ErrorIs(t, err, ErrNoMachine)
		require.ErrorIs(t, err, ErrRejectedFile)
	})
	t.Run("no epochs", func(t *testing.T) {
		data := tagfiletest.File(t, tagfiletest.Machine{HardwareID: "HW-1"})
		_, err := ing.Ingest(context.Background(), project, "empty.tag", bytes.NewReader(data))
		require.ErrorIs(t, err, ErrNoEpochs)
	})

	_, ok := models.Get(project)
	assert.False(t, ok, "rejected files create no model")
}

func TestSwathSkipsGapsAndWidePairs(t *testing.T) {
	ing, _ := newTestIngestor()
	data := tagfiletest.File(t, tagfiletest.Machine{HardwareID: "HW-1"},
		tagfiletest.Epoch{Time: t0, Blade: tagfiletest.Blade(0, 0.68, 0, 0)},
		// too wide: treated as a glitch and ends the run
		tagfiletest.Epoch{Time: t0.Add(time.Second), Blade: tagfiletest.Blade(0, 100, 0.34, 0)},
		tagfiletest.Epoch{Time: t0.Add(2 * time.Second), Blade: tagfiletest.Blade(0, 0.68, 0.34, 0)},
		// a long gap starts a new run
		tagfiletest.Epoch{Time: t0.Add(time.Minute), Blade: tagfiletest.Blade(0, 0.68, 0.68, 0)},
	)
	report, err := ing.Ingest(context.Background(), uuid.New(), "gaps.tag", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Passes)
}

func TestIngestFiles(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()
	dir := t.TempDir()

	var paths []string
	for _, hw := range []string{"HW-1", "HW-2", "HW-3"} {
		p := filepath.Join(dir, hw+".tag")
		require.NoError(t, os.WriteFile(p, blockFile(t, hw), 0o644))
		paths = append(paths, p)
	}
	paths = append(paths, filepath.Join(dir, "missing.tag"))

	reports, err := ing.IngestFiles(context.Background(), project, paths, 2)
	require.Error(t, err)
	require.Len(t, reports, 4)
	for _, r := range reports[:3] {
		assert.Empty(t, r.Error)
		assert.Equal(t, 4, r.Passes)
	}
	assert.NotEmpty(t, reports[3].Error)

	m, _ := models.Get(project)
	assert.Equal(t, 3, m.Machines().Len())
	assert.Len(t, m.Passes(subgridtree.IndexOriginOffset, subgridtree.IndexOriginOffset), 3)
}
