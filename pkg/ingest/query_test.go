package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/pipeline"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// A TAG file that passes twice over row 0 followed by a query that covers
// one cell of that row. The later pass supplies the value.
func TestIngestedBlockAnswersSingleCellQuery(t *testing.T) {
	ing, models := newTestIngestor()
	project := uuid.New()

	_, err := ing.Ingest(context.Background(), project, "rework.tag", bytes.NewReader(reworkFile(t, "HW-1")))
	require.NoError(t, err)
	m, ok := models.Get(project)
	require.True(t, ok)
	require.Equal(t, 1, m.ExistenceMap().Count())

	passes := m.Passes(subgridtree.IndexOriginOffset+1, subgridtree.IndexOriginOffset)
	require.Len(t, passes, 2)
	assert.Equal(t, int16(310), passes[0].CCV)
	assert.Equal(t, int16(325), passes[1].CCV)

	// cell (1, 0) of the block has its centre at (0.51, 0.17)
	rect := r2.RectFromPoints(r2.Point{X: 0.45, Y: 0.10}, r2.Point{X: 0.60, Y: 0.25})
	p, err := pipeline.NewPipeline(m, pipeline.Query{
		Filters:     []filter.Filter{{Spatial: filter.SpatialFilter{Rect: &rect}}},
		Aggregation: aggregation.Config{Kind: aggregation.KindCellDatum},
		Attribute:   cellpass.CCV,
	}, pipeline.LocalExecutor{Env: pipeline.Env{Models: models}}, pipeline.Options{})
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusNoProblems, res.Status)
	assert.Equal(t, int64(1), res.Summary.Cells)
	require.NotNil(t, res.Summary.Datum)
	assert.Equal(t, subgridtree.IndexOriginOffset+uint32(1), res.Summary.Datum.CellX)
	assert.Equal(t, uint32(subgridtree.IndexOriginOffset), res.Summary.Datum.CellY)
	assert.Equal(t, int32(325), res.Summary.Datum.Value)
	assert.Equal(t, t0.Add(2*time.Second), res.Summary.Datum.Time.UTC())
}
