package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/metrics"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

const (
	DefaultPageSize    = 64
	DefaultMaxInFlight = 4
)

// Executor runs one request somewhere: in process, or on another node.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// Query describes what a Pipeline computes.
type Query struct {
	Kind        RequestKind
	Project     uuid.UUID
	Filters     []filter.Filter
	Aggregation aggregation.Config
	Attribute   cellpass.Attribute
}

// Options bounds a Pipeline. Zero values take the defaults.
type Options struct {
	// PageSize is the number of candidate leaves per request.
	PageSize int
	// MaxInFlight bounds concurrently outstanding requests.
	MaxInFlight int
	Logger      *slog.Logger
}

// Pipeline runs one query over one site model.
type Pipeline struct {
	query      Query
	exec       Executor
	opts       Options
	logger     *slog.Logger
	candidates []subgridtree.Origin
	task       *Task
}

// NewPipeline validates q and selects its candidate leaves from the model's
// production and surveyed existence maps. Nothing is dispatched until Run.
func NewPipeline(model *sitemodel.SiteModel, q Query, exec Executor, opts Options) (*Pipeline, error) {
	if err := filter.ValidateSet(q.Filters, 1); err != nil {
		return nil, err
	}
	if q.Kind == 0 {
		q.Kind = RequestSummary
	}
	if q.Kind == RequestSummary {
		if _, err := summaryAttribute(Request{Aggregation: q.Aggregation, Attribute: q.Attribute}); err != nil {
			return nil, err
		}
	}
	if q.Aggregation.CellSize == 0 {
		q.Aggregation.CellSize = model.CellSize
	}
	q.Project = model.ID
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}

	p := &Pipeline{
		query:  q,
		exec:   exec,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
		candidates: SelectCandidateSubgrids(q.Filters[0].Spatial, model.CellSize,
			model.ExistenceMap(), model.SurveyedExistenceMap()),
	}
	p.task = NewTask(uuid.New(), q.Kind, q.Aggregation, p.Pages())
	return p, nil
}

// Task returns the task collecting this pipeline's responses.
func (p *Pipeline) Task() *Task { return p.task }

// CountCandidates returns the number of leaves the query scans.
func (p *Pipeline) CountCandidates() int { return len(p.candidates) }

// Pages returns the number of requests the query dispatches.
func (p *Pipeline) Pages() int { return pageCount(len(p.candidates), p.opts.PageSize) }

// PageRequest builds the request for page n.
func (p *Pipeline) PageRequest(n int) (Request, error) {
	if n < 0 || n >= p.Pages() {
		return Request{}, fmt.Errorf("page %d out of range [0, %d)", n, p.Pages())
	}
	lo, hi := pageBounds(len(p.candidates), p.opts.PageSize, n)
	return Request{
		Kind:        p.query.Kind,
		TaskID:      p.task.ID,
		Page:        n,
		Project:     p.query.Project,
		Filters:     p.query.Filters,
		Aggregation: p.query.Aggregation,
		Attribute:   p.query.Attribute,
		Origins:     p.candidates[lo:hi],
	}, nil
}

// RequestPage dispatches page n and delivers the outcome to the task.
func (p *Pipeline) RequestPage(ctx context.Context, n int) error {
	req, err := p.PageRequest(n)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "pipeline.RequestPage",
		trace.WithAttributes(
			attribute.Int("page", n),
			attribute.Int("origins", len(req.Origins)),
		),
	)
	defer span.End()

	resp, err := p.exec.Execute(ctx, req)
	if err == nil && (resp.TaskID != req.TaskID || resp.Page != n) {
		err = fmt.Errorf("stray response for task %s page %d", resp.TaskID, resp.Page)
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		p.task.Fail(n, err)
		metrics.RecordPage(false, 0)
	case resp.Err != "":
		span.SetStatus(codes.Error, resp.Err)
		p.task.Deliver(resp)
		metrics.RecordPage(false, resp.Subgrids)
	default:
		p.task.Deliver(resp)
		metrics.RecordPage(true, resp.Subgrids)
	}
	return nil
}

// Run dispatches every page, at most MaxInFlight at a time, and waits for
// the task to finalise. Cancelling ctx cancels the task; the partial result
// is returned with ErrTaskCancelled.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("project", p.query.Project.String()),
			attribute.String("kind", p.query.Kind.String()),
			attribute.Int("candidates", len(p.candidates)),
			attribute.Int("pages", p.Pages()),
		),
	)
	defer span.End()

	stop := context.AfterFunc(ctx, p.task.Cancel)
	defer stop()

	var g errgroup.Group
	g.SetLimit(p.opts.MaxInFlight)
dispatch:
	for n := 0; n < p.Pages(); n++ {
		select {
		case <-ctx.Done():
			break dispatch
		case <-p.task.Done():
			break dispatch
		default:
		}
		n := n
		g.Go(func() error {
			return p.RequestPage(ctx, n)
		})
	}
	_ = g.Wait()

	res, err := p.task.Wait(context.WithoutCancel(ctx))
	kind := p.query.Kind.String()
	if p.query.Kind == RequestSummary {
		kind = p.query.Aggregation.Kind.String()
	}
	status := res.Status.String()
	if err != nil {
		status = "cancelled"
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
	}
	metrics.RecordQuery(kind, status, time.Since(start))
	span.SetAttributes(attribute.String("status", res.Status.String()))

	p.logger.Debug("query finished",
		"task", p.task.ID.String(),
		"kind", kind,
		"status", status,
		"candidates", len(p.candidates),
		"pages", res.Pages,
		"failed", res.Failed,
		"duration", time.Since(start))
	return res, err
}

// Cancel stops the pipeline's task. Pages already running finish but their
// responses are dropped.
func (p *Pipeline) Cancel() { p.task.Cancel() }

// LocalExecutor runs requests in process. Requests and responses pass
// through their binary encodings so that local and remote execution see
// the same bytes.
type LocalExecutor struct {
	Env Env
}

func (e LocalExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	data, err := req.MarshalBinary()
	if err != nil {
		return Response{}, err
	}
	var decoded Request
	if err := decoded.UnmarshalBinary(data); err != nil {
		return Response{}, fmt.Errorf("decode request: %w", err)
	}

	resp := Execute(ctx, e.Env, decoded)

	data, err = resp.MarshalBinary()
	if err != nil {
		return Response{}, err
	}
	var out Response
	if err := out.UnmarshalBinary(data); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
