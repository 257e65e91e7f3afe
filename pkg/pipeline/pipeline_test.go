package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/cache"
	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/wire"
)

const base = uint32(subgridtree.IndexOriginOffset)

var t0 = time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC)

func pass(sec int, ccv int16, height float32) cellpass.CellPass {
	p := cellpass.Null()
	p.Time = t0.Add(time.Duration(sec) * time.Second)
	p.CCV = ccv
	p.Height = height
	p.MachineID = 1
	return p
}

func newModel(t *testing.T, writes ...sitemodel.CellWrite) (*sitemodel.Registry, *sitemodel.SiteModel) {
	t.Helper()
	reg := sitemodel.NewRegistry(nil, sitemodel.Options{Logger: logging.Discard()})
	m, _, err := reg.GetOrCreate(context.Background(), uuid.New())
	require.NoError(t, err)
	if len(writes) > 0 {
		_, err = m.AddPasses(writes)
		require.NoError(t, err)
	}
	return reg, m
}

func cellRect(cellX, cellY uint32, cellSize float64) *r2.Rect {
	x, y := subgridtree.CellCenter(cellX, cellY, cellSize)
	q := cellSize / 4
	return &r2.Rect{X: r1.Interval{Lo: x - q, Hi: x + q}, Y: r1.Interval{Lo: y - q, Hi: y + q}}
}

func TestSelectCandidateSubgrids(t *testing.T) {
	a := subgridtree.Origin{X: base, Y: base}
	b := subgridtree.Origin{X: base + 64, Y: base}
	c := subgridtree.Origin{X: base, Y: base + 32}

	production := subgridtree.NewExistenceMap()
	production.Set(a)
	production.Set(b)
	surveyed := subgridtree.NewExistenceMap()
	surveyed.Set(c)

	all := SelectCandidateSubgrids(filter.SpatialFilter{}, 0.34, production, surveyed)
	assert.Equal(t, []subgridtree.Origin{a, c, b}, all)

	only := SelectCandidateSubgrids(filter.SpatialFilter{Rect: cellRect(base+3, base+3, 0.34)}, 0.34, production, surveyed)
	assert.Equal(t, []subgridtree.Origin{a}, only)
	assert.Equal(t, 2, production.Count(), "inputs are not modified")
}

func TestPaging(t *testing.T) {
	var writes []sitemodel.CellWrite
	for i := uint32(0); i < 5; i++ {
		writes = append(writes, sitemodel.CellWrite{CellX: base + 32*i, CellY: base, Pass: pass(1, 100, 1)})
	}
	reg, m := newModel(t, writes...)

	p, err := NewPipeline(m, Query{
		Filters:     []filter.Filter{{}},
		Aggregation: aggregation.Config{Kind: aggregation.KindPassCount},
	}, LocalExecutor{Env: Env{Models: reg}}, Options{PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, p.CountCandidates())
	assert.Equal(t, 3, p.Pages())
	req, err := p.PageRequest(2)
	require.NoError(t, err)
	assert.Len(t, req.Origins, 1)
	assert.Equal(t, subgridtree.Origin{X: base + 128, Y: base}, req.Origins[0])
	_, err = p.PageRequest(3)
	assert.Error(t, err)
}

func TestRunCCVSummary(t *testing.T) {
	reg, m := newModel(t,
		sitemodel.CellWrite{CellX: base, CellY: base, Pass: pass(1, 250, 1)},
		sitemodel.CellWrite{CellX: base, CellY: base, Pass: pass(2, 100, 1)},
		sitemodel.CellWrite{CellX: base + 1, CellY: base, Pass: pass(1, 300, 1)},
		sitemodel.CellWrite{CellX: base + 32, CellY: base, Pass: pass(1, 500, 1)},
	)

	p, err := NewPipeline(m, Query{
		Filters:     []filter.Filter{{}},
		Aggregation: aggregation.Config{Kind: aggregation.KindCCV, TargetMin: 200, TargetMax: 400},
	}, LocalExecutor{Env: Env{Models: reg, Logger: logging.Discard()}}, Options{PageSize: 1, MaxInFlight: 2})
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNoProblems, res.Status)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 2, res.Subgrids)
	require.NotNil(t, res.Summary)

	s := res.Summary
	assert.Equal(t, int64(3), s.Cells)
	assert.InDelta(t, 100.0/3, s.PercentBelow, 1e-9)
	assert.InDelta(t, 100.0/3, s.PercentWithin, 1e-9)
	assert.InDelta(t, 100.0/3, s.PercentAbove, 1e-9)
	assert.Equal(t, 300.0, s.Mean)
	assert.Equal(t, int64(100), s.Min, "latest pass wins")
}

func TestSpatialFilterOverOneCell(t *testing.T) {
	var writes []sitemodel.CellWrite
	for sec := 1; sec <= 3; sec++ {
		for dy := uint32(0); dy < 2; dy++ {
			for dx := uint32(0); dx < 2; dx++ {
				ccv := int16(sec*100) + int16(dy*2+dx)
				writes = append(writes, sitemodel.CellWrite{CellX: base + dx, CellY: base + dy, Pass: pass(sec, ccv, 1)})
			}
		}
	}
	reg, m := newModel(t, writes...)
	require.Equal(t, 1, m.ExistenceMap().Count())

	spatial := filter.SpatialFilter{Rect: cellRect(base+1, base, m.CellSize)}
	p, err := NewPipeline(m, Query{
		Filters:     []filter.Filter{{Spatial: spatial}},
		Aggregation: aggregation.Config{Kind: aggregation.KindCellDatum},
		Attribute:   cellpass.CCV,
	}, LocalExecutor{Env: Env{Models: reg}}, Options{})
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusNoProblems, res.Status)
	assert.Equal(t, int64(1), res.Summary.Cells)
	require.NotNil(t, res.Summary.Datum)
	assert.Equal(t, base+1, res.Summary.Datum.CellX)
	assert.Equal(t, int32(301), res.Summary.Datum.Value)

	cells, err := NewPipeline(m, Query{
		Kind:    RequestCellPasses,
		Filters: []filter.Filter{{Spatial: spatial}},
	}, LocalExecutor{Env: Env{Models: reg}}, Options{})
	require.NoError(t, err)
	cres, err := cells.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, cres.Cells, 1)
	assert.Len(t, cres.Cells[0].Passes, 3)
}

type flakyExecutor struct {
	inner Executor
	fail  map[int]bool
}

func (f flakyExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	if f.fail[req.Page] {
		return Response{}, errors.New("worker unreachable")
	}
	return f.inner.Execute(ctx, req)
}

func TestPartialAndNoResult(t *testing.T) {
	reg, m := newModel(t,
		sitemodel.CellWrite{CellX: base, CellY: base, Pass: pass(1, 100, 1)},
		sitemodel.CellWrite{CellX: base + 32, CellY: base, Pass: pass(1, 200, 1)},
	)
	q := Query{Filters: []filter.Filter{{}}, Aggregation: aggregation.Config{Kind: aggregation.KindPassCount}}
	local := LocalExecutor{Env: Env{Models: reg}}

	p, err := NewPipeline(m, q, flakyExecutor{inner: local, fail: map[int]bool{1: true}}, Options{PageSize: 1})
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartialResult, res.Status)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int64(1), res.Summary.Cells)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "worker unreachable")

	p, err = NewPipeline(m, q, flakyExecutor{inner: local, fail: map[int]bool{0: true, 1: true}}, Options{PageSize: 1})
	require.NoError(t, err)
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNoResult, res.Status)
}

// restartedExecutor answers page 1 as if it had lost the task.
type restartedExecutor struct {
	inner Executor
}

func (r restartedExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Page == 1 {
		return Response{Kind: req.Kind, Page: req.Page, Err: "worker restarted"}, nil
	}
	return r.inner.Execute(ctx, req)
}

func TestStrayResponseFailsPage(t *testing.T) {
	reg, m := newModel(t,
		sitemodel.CellWrite{CellX: base, CellY: base, Pass: pass(1, 100, 1)},
		sitemodel.CellWrite{CellX: base + 32, CellY: base, Pass: pass(1, 200, 1)},
	)
	q := Query{Filters: []filter.Filter{{}}, Aggregation: aggregation.Config{Kind: aggregation.KindPassCount}}
	p, err := NewPipeline(m, q, restartedExecutor{inner: LocalExecutor{Env: Env{Models: reg}}}, Options{PageSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialResult, res.Status)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "stray response")
}

func TestRunCancelled(t *testing.T) {
	reg, m := newModel(t, sitemodel.CellWrite{CellX: base, CellY: base, Pass: pass(1, 100, 1)})
	p, err := NewPipeline(m, Query{
		Filters:     []filter.Filter{{}},
		Aggregation: aggregation.Config{Kind: aggregation.KindPassCount},
	}, LocalExecutor{Env: Env{Models: reg}}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Run(ctx)
	require.ErrorIs(t, err, ErrTaskCancelled)
	assert.Equal(t, StatusNoResult, res.Status)
	assert.True(t, res.Cancelled)
}

func TestNewPipelineValidates(t *testing.T) {
	_, m := newModel(t)
	_, err := NewPipeline(m, Query{Aggregation: aggregation.Config{Kind: aggregation.KindCCV}}, nil, Options{})
	require.ErrorIs(t, err, filter.ErrFilterCount)

	_, err = NewPipeline(m, Query{Filters: []filter.Filter{{}, {}}}, nil, Options{})
	require.ErrorIs(t, err, filter.ErrFilterCount)

	bad := filter.Filter{Attribute: filter.AttributeFilter{Layer: filter.LayerTopOnly}}
	_, err = NewPipeline(m, Query{Filters: []filter.Filter{bad}, Aggregation: aggregation.Config{Kind: aggregation.KindCCV}}, nil, Options{})
	require.ErrorIs(t, err, filter.ErrInvalidFilter)

	_, err = NewPipeline(m, Query{Filters: []filter.Filter{{}}}, nil, Options{})
	require.Error(t, err, "summary without a kind")
}

func TestTaskOutOfOrderAndDuplicates(t *testing.T) {
	cfg := aggregation.Config{Kind: aggregation.KindPassCount, TargetMin: 1, TargetMax: 2}
	id := uuid.New()
	task := NewTask(id, RequestSummary, cfg, 3)

	partial := func(page int, v int32) Response {
		agg := aggregation.New(cfg).Accumulate(aggregation.SubGridResult{Cells: []aggregation.CellValue{{Value: v}}})
		return Response{Kind: RequestSummary, TaskID: id, Page: page, Aggregator: agg, Subgrids: 1}
	}

	require.True(t, task.Deliver(partial(2, 3)))
	require.True(t, task.Deliver(partial(0, 1)))
	require.False(t, task.Deliver(partial(0, 1)), "duplicate page")
	require.False(t, task.Deliver(partial(7, 1)), "page out of range")
	require.False(t, task.Deliver(Response{TaskID: uuid.New(), Page: 1}), "other task")

	select {
	case <-task.Done():
		t.Fatal("finalised early")
	default:
	}
	require.True(t, task.Deliver(partial(1, 2)))

	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNoProblems, res.Status)
	assert.Equal(t, int64(3), res.Aggregator.Cells)
	assert.Equal(t, int64(6), res.Aggregator.Sum)
	assert.False(t, task.Deliver(partial(1, 2)), "finalised")
}

func TestTaskCancel(t *testing.T) {
	cfg := aggregation.Config{Kind: aggregation.KindCCV}
	id := uuid.New()
	task := NewTask(id, RequestSummary, cfg, 3)
	require.True(t, task.Deliver(Response{Kind: RequestSummary, TaskID: id, Page: 1, Aggregator: aggregation.New(cfg)}))

	task.Cancel()
	task.Cancel()
	require.False(t, task.Deliver(Response{Kind: RequestSummary, TaskID: id, Page: 0}))

	res, err := task.Wait(context.Background())
	require.ErrorIs(t, err, ErrTaskCancelled)
	assert.Equal(t, StatusPartialResult, res.Status)
	assert.Equal(t, 1, res.Received)
}

func TestEmptyTaskFinalisesImmediately(t *testing.T) {
	task := NewTask(uuid.New(), RequestSummary, aggregation.Config{Kind: aggregation.KindCCV}, 0)
	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNoProblems, res.Status)
}

func TestRequestCodec(t *testing.T) {
	rect := cellRect(base, base, 0.34)
	req := Request{
		Kind:    RequestSummary,
		TaskID:  uuid.New(),
		Page:    3,
		Project: uuid.New(),
		Filters: []filter.Filter{{
			Attribute: filter.AttributeFilter{Start: t0, Machines: []uint16{1, 4}, Layer: filter.LayerAfterMapReset},
			Spatial:   filter.SpatialFilter{Rect: rect},
		}},
		Aggregation: aggregation.Config{Kind: aggregation.KindCCV, CellSize: 0.34, TargetMin: 10, TargetMax: 20},
		Attribute:   cellpass.MDP,
		Origins:     []subgridtree.Origin{{X: base, Y: base}, {X: base + 32, Y: base}},
	}
	data, err := req.MarshalBinary()
	require.NoError(t, err)
	var got Request
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, req, got)
	assert.Equal(t, req.Fingerprint(), got.Fingerprint())

	data[0] = 9
	require.ErrorIs(t, got.UnmarshalBinary(data), wire.ErrUnknownVersion)
}

func TestResponseCodec(t *testing.T) {
	cfg := aggregation.Config{Kind: aggregation.KindCCV, CellSize: 0.34}
	summary := Response{
		Kind:       RequestSummary,
		TaskID:     uuid.New(),
		Page:       1,
		Subgrids:   4,
		Aggregator: aggregation.New(cfg).Accumulate(aggregation.SubGridResult{Cells: []aggregation.CellValue{{Value: 5}}}),
	}
	cells := Response{
		Kind:   RequestCellPasses,
		TaskID: uuid.New(),
		Cells:  []CellPasses{{CellX: 1, CellY: 2, Passes: []cellpass.CellPass{pass(1, 10, 2), pass(2, 20, 3)}}},
	}
	failed := Response{Kind: RequestSummary, TaskID: uuid.New(), Err: "boom", Aggregator: aggregation.New(cfg)}

	for _, resp := range []Response{summary, cells, failed} {
		data, err := resp.MarshalBinary()
		require.NoError(t, err)
		var got Response
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Equal(t, resp, got)
	}
}

func TestExecuteErrors(t *testing.T) {
	reg, _ := newModel(t)
	env := Env{Models: reg, Logger: logging.Discard()}

	resp := Execute(context.Background(), env, Request{
		Kind:        RequestSummary,
		Project:     uuid.New(),
		Filters:     []filter.Filter{{}},
		Aggregation: aggregation.Config{Kind: aggregation.KindCCV},
	})
	assert.Contains(t, resp.Err, ErrUnknownProject.Error())

	resp = Execute(context.Background(), env, Request{Kind: RequestSummary})
	assert.Contains(t, resp.Err, filter.ErrFilterCount.Error())
}

func TestExecuteUsesCache(t *testing.T) {
	reg, m := newModel(t, sitemodel.CellWrite{CellX: base, CellY: base, Pass: pass(1, 100, 1)})
	c := cache.New(cache.Options{})
	reg.Subscribe(c.OnChange)
	env := Env{Models: reg, Cache: c}

	req := Request{
		Kind:        RequestSummary,
		Project:     m.ID,
		Filters:     []filter.Filter{{}},
		Aggregation: aggregation.Config{Kind: aggregation.KindCCV},
		Origins:     []subgridtree.Origin{{X: base, Y: base}},
	}
	first := Execute(context.Background(), env, req)
	require.Empty(t, first.Err)
	second := Execute(context.Background(), env, req)
	assert.Equal(t, first.Aggregator, second.Aggregator)
	assert.Equal(t, int64(1), c.Stats().Hits)

	_, err := m.AddPasses([]sitemodel.CellWrite{{CellX: base, CellY: base, Pass: pass(2, 300, 1)}})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len(), "change event drops the leaf")

	third := Execute(context.Background(), env, req)
	assert.Equal(t, int64(300), third.Aggregator.Sum)
}
