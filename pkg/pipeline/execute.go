package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/cache"
	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// ErrUnknownProject is reported when a request names a project the worker
// does not hold.
var ErrUnknownProject = errors.New("unknown project")

// Execute computes one page. It reads only the site model named by req and
// never blocks on anything but ctx; failures are reported in Response.Err.
func Execute(ctx context.Context, env Env, req Request) Response {
	resp := Response{Kind: req.Kind, TaskID: req.TaskID, Page: req.Page}
	if err := execute(ctx, env, req, &resp); err != nil {
		env.logger().Warn("request failed",
			"task", req.TaskID.String(), "page", req.Page, "kind", req.Kind.String(), "error", err)
		resp.Err = err.Error()
	}
	return resp
}

func execute(ctx context.Context, env Env, req Request, resp *Response) error {
	if err := filter.ValidateSet(req.Filters, 1); err != nil {
		return err
	}
	if env.Models == nil {
		return fmt.Errorf("%w %s", ErrUnknownProject, req.Project)
	}
	model, ok := env.Models.Get(req.Project)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownProject, req.Project)
	}
	s := scan{
		model:    model,
		filter:   &req.Filters[0],
		machines: MachineTable(model),
	}

	switch req.Kind {
	case RequestSummary:
		attr, err := summaryAttribute(req)
		if err != nil {
			return err
		}
		cfg := req.Aggregation
		if cfg.CellSize == 0 {
			cfg.CellSize = model.CellSize
		}
		agg := aggregation.New(cfg)
		query := req.Fingerprint()
		for _, o := range req.Origins {
			if err := ctx.Err(); err != nil {
				return err
			}
			compute := func() (aggregation.SubGridResult, error) {
				return s.summarise(o, cfg.Kind, attr), nil
			}
			var res aggregation.SubGridResult
			if env.Cache != nil {
				res, _ = env.Cache.GetOrCompute(cache.Key{Project: req.Project, Origin: o, Query: query}, compute)
			} else {
				res, _ = compute()
			}
			agg = agg.Accumulate(res)
			resp.Subgrids++
		}
		resp.Aggregator = agg

	case RequestCellPasses:
		for _, o := range req.Origins {
			if err := ctx.Err(); err != nil {
				return err
			}
			resp.Cells = append(resp.Cells, s.cellPasses(o)...)
			resp.Subgrids++
		}

	default:
		return fmt.Errorf("unsupported request kind %s", req.Kind)
	}
	return nil
}

// summaryAttribute returns the attribute a summary kind reads. Kinds that do
// not read one attribute return NumAttributes.
func summaryAttribute(req Request) (cellpass.Attribute, error) {
	switch req.Aggregation.Kind {
	case aggregation.KindCCV:
		return cellpass.CCV, nil
	case aggregation.KindMDP:
		return cellpass.MDP, nil
	case aggregation.KindTemperature:
		return cellpass.Temperature, nil
	case aggregation.KindCellDatum:
		if req.Attribute >= cellpass.NumAttributes {
			return 0, fmt.Errorf("invalid attribute %d", req.Attribute)
		}
		return req.Attribute, nil
	case aggregation.KindPassCount, aggregation.KindCutFill, aggregation.KindElevation:
		return cellpass.NumAttributes, nil
	}
	return 0, fmt.Errorf("unsupported summary kind %s", req.Aggregation.Kind)
}

type scan struct {
	model    *sitemodel.SiteModel
	filter   *filter.Filter
	machines filter.MachineTable
}

// cells calls fn for every cell of the leaf at o that holds passes and lies
// inside the spatial filter. Missing leaves yield nothing.
func (s scan) cells(o subgridtree.Origin, fn func(cellX, cellY uint32, passes []cellpass.CellPass)) {
	leaf, ok := s.model.Leaf(o)
	if !ok {
		return
	}
	snap := leaf.Snapshot()
	for y := uint8(0); y < subgridtree.Dimension; y++ {
		for x := uint8(0); x < subgridtree.Dimension; x++ {
			passes := snap.Passes(x, y)
			if len(passes) == 0 {
				continue
			}
			cx, cy := o.X+uint32(x), o.Y+uint32(y)
			if !s.filter.Spatial.ContainsCell(cx, cy, s.model.CellSize) {
				continue
			}
			fn(cx, cy, passes)
		}
	}
}

// summarise resolves one value per cell of a leaf.
func (s scan) summarise(o subgridtree.Origin, kind aggregation.Kind, attr cellpass.Attribute) aggregation.SubGridResult {
	res := aggregation.SubGridResult{Origin: o}
	af := &s.filter.Attribute
	s.cells(o, func(cx, cy uint32, passes []cellpass.CellPass) {
		var (
			p  cellpass.CellPass
			ok bool
			v  int32
		)
		switch kind {
		case aggregation.KindPassCount:
			filtered := filter.ResolveFilteredPasses(passes, af, s.machines)
			if len(filtered) == 0 {
				return
			}
			p, ok, v = filtered[len(filtered)-1], true, int32(len(filtered))
		case aggregation.KindCutFill, aggregation.KindElevation:
			p, ok = resolveHeight(filter.ResolveFilteredPasses(passes, af, s.machines), af.ReturnEarliest)
		default:
			p, ok = filter.ResolveAttribute(passes, af, s.machines, attr)
			v = p.Value(attr)
		}
		if !ok {
			return
		}
		res.Cells = append(res.Cells, aggregation.CellValue{
			CellX:  cx,
			CellY:  cy,
			Value:  v,
			Height: p.Height,
			Time:   p.Time,
		})
	})
	return res
}

// resolveHeight picks the latest (or earliest) pass that carries a height.
func resolveHeight(passes []cellpass.CellPass, earliest bool) (cellpass.CellPass, bool) {
	for i := range passes {
		idx := len(passes) - 1 - i
		if earliest {
			idx = i
		}
		if passes[idx].HasHeight() {
			return passes[idx], true
		}
	}
	return cellpass.CellPass{}, false
}

func (s scan) cellPasses(o subgridtree.Origin) []CellPasses {
	var out []CellPasses
	s.cells(o, func(cx, cy uint32, passes []cellpass.CellPass) {
		filtered := filter.ResolveFilteredPasses(passes, &s.filter.Attribute, s.machines)
		if len(filtered) == 0 {
			return
		}
		out = append(out, CellPasses{CellX: cx, CellY: cy, Passes: append([]cellpass.CellPass(nil), filtered...)})
	})
	return out
}
