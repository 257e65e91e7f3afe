// Package ingest turns decoded TAG files into cell passes and writes them
// into site models. It also serves the HTTP submission endpoints and
// streams site model changes to websocket clients.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/sitegrid/pkg/coords"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/metrics"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/tagfile"
)

// Report summarises one processed file.
type Report struct {
	Project   uuid.UUID     `json:"project"`
	File      string        `json:"file"`
	Machine   string        `json:"machine"`
	MachineID uint16        `json:"machine_id"`
	Epochs    int           `json:"epochs"`
	Skipped   int           `json:"skipped_epochs"`
	Passes    int           `json:"passes"`
	Leaves    int           `json:"leaves"`
	Emptied   int           `json:"emptied,omitempty"`
	Rejected  int           `json:"rejected_values"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Ingestor writes TAG files into the models of a registry. Safe for
// concurrent use; files for the same project may be ingested in parallel.
type Ingestor struct {
	models  *sitemodel.Registry
	decoder *tagfile.Decoder
	conv    coords.Converter
	logger  *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

func WithLogger(l *slog.Logger) Option { return func(i *Ingestor) { i.logger = l } }

// WithConverter sets the converter used for machine geodetic positions.
func WithConverter(c coords.Converter) Option { return func(i *Ingestor) { i.conv = c } }

// WithStrictEpochs discards epochs containing a rejected value.
func WithStrictEpochs(strict bool) Option {
	return func(i *Ingestor) { i.decoder.StrictEpochs = strict }
}

// NewIngestor creates an ingestor over models.
func NewIngestor(models *sitemodel.Registry, opts ...Option) *Ingestor {
	i := &Ingestor{
		models:  models,
		decoder: tagfile.NewDecoder(nil),
		conv:    coords.UTM{},
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = logging.OrDefault(i.logger)
	i.decoder.Logger = i.logger
	return i
}

// decode reads and decodes a whole file. Any decode failure rejects the
// file; nothing is written for it.
func (i *Ingestor) decode(name string, r io.Reader) (*tagfile.Result, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > MaxFileBytes {
		return nil, fmt.Errorf("%w: %w", ErrRejectedFile, ErrFileTooLarge)
	}
	res, err := i.decoder.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrRejectedFile, name, err)
	}
	if err := ValidateResult(res); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRejectedFile, name, err)
	}
	return res, nil
}

// cellWrites swaths every epoch of res into passes of machine id.
func cellWrites(res *tagfile.Result, id uint16, cellSize float64) ([]sitemodel.CellWrite, int) {
	s := swather{cellSize: cellSize, machineID: id}
	var out []sitemodel.CellWrite
	for _, e := range res.Epochs {
		out = s.epoch(e, out)
	}
	return out, s.skipped
}

func newReport(project uuid.UUID, name string, res *tagfile.Result) Report {
	return Report{
		Project:  project,
		File:     name,
		Machine:  machineKey(res.Machine),
		Epochs:   len(res.Epochs),
		Rejected: res.Stats.RejectedTotal(),
		Start:    res.Epochs[0].Time,
		End:      res.Epochs[len(res.Epochs)-1].Time,
	}
}

// Ingest decodes one TAG file and adds its passes to the project's model,
// creating the model on first use.
func (i *Ingestor) Ingest(ctx context.Context, project uuid.UUID, name string, r io.Reader) (Report, error) {
	start := time.Now()
	res, err := i.decode(name, r)
	if err != nil {
		metrics.RecordIngest("rejected", 0, 0, time.Since(start))
		return Report{Project: project, File: name, Error: err.Error()}, err
	}
	for tag, n := range res.Stats.Rejected {
		metrics.RecordRejected(tag, n)
	}

	model, created, err := i.models.GetOrCreate(ctx, project)
	if err != nil {
		metrics.RecordIngest("failed", 0, 0, time.Since(start))
		return Report{Project: project, File: name, Error: err.Error()}, err
	}
	if created {
		i.logger.Info("site model created", "project", project.String())
	}

	report := newReport(project, name, res)
	id, err := model.Machines().Register(report.Machine, res.Machine.Name, res.Machine.Type)
	if err != nil {
		metrics.RecordIngest("failed", 0, 0, time.Since(start))
		report.Error = err.Error()
		return report, err
	}
	report.MachineID = id

	writes, skipped := cellWrites(res, id, model.CellSize)
	report.Skipped = skipped
	change, err := model.AddPasses(writes)
	if err != nil {
		// Out of range cells are dropped; the rest of the file is kept.
		i.logger.Warn("some passes were not stored", "file", name, "error", err)
	}
	report.Passes = change.Passes
	report.Leaves = len(change.Origins)
	i.updateMachine(model, id, res)

	report.Duration = time.Since(start)
	metrics.RecordIngest("ok", report.Epochs, report.Passes, report.Duration)
	i.logger.Info("tag file ingested",
		"project", project.String(),
		"file", name,
		"machine", report.Machine,
		"epochs", report.Epochs,
		"passes", report.Passes,
		"leaves", report.Leaves,
		"rejected", report.Rejected,
		"duration", report.Duration.Round(time.Millisecond))
	return report, nil
}

// Remove re-runs a previously ingested file and deletes the passes it
// produced. Leaves left empty lose their existence bit.
func (i *Ingestor) Remove(ctx context.Context, project uuid.UUID, name string, r io.Reader) (Report, error) {
	start := time.Now()
	res, err := i.decode(name, r)
	if err != nil {
		return Report{Project: project, File: name, Error: err.Error()}, err
	}
	model, ok, err := i.models.Lookup(ctx, project)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	if err != nil {
		return Report{Project: project, File: name, Error: err.Error()}, err
	}

	report := newReport(project, name, res)
	id, ok := model.Machines().Lookup(report.Machine)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownMachine, report.Machine)
		report.Error = err.Error()
		return report, err
	}
	report.MachineID = id

	writes, skipped := cellWrites(res, id, model.CellSize)
	report.Skipped = skipped
	change := model.RemovePasses(writes)
	report.Passes = change.Passes
	report.Leaves = len(change.Origins)
	report.Emptied = len(change.Emptied)
	report.Duration = time.Since(start)
	metrics.RecordRemoval(change.Passes)

	i.logger.Info("tag file removed",
		"project", project.String(),
		"file", name,
		"passes", report.Passes,
		"emptied", report.Emptied)
	return report, nil
}

// IngestFiles ingests paths with at most workers files in flight. Every
// file is attempted; the returned error joins the failures.
func (i *Ingestor) IngestFiles(ctx context.Context, project uuid.UUID, paths []string, workers int) ([]Report, error) {
	reports := make([]Report, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for n, path := range paths {
		n, path := n, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[n] = err
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				errs[n] = err
				reports[n] = Report{Project: project, File: path, Error: err.Error()}
				return nil
			}
			defer f.Close()
			reports[n], errs[n] = i.Ingest(ctx, project, filepath.Base(path), f)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// updateMachine records what the file says about its machine.
func (i *Ingestor) updateMachine(model *sitemodel.SiteModel, id uint16, res *tagfile.Result) {
	last := res.Epochs[len(res.Epochs)-1]

	var mapReset time.Time
	for _, e := range res.Epochs {
		if e.MapReset && e.Time.After(mapReset) {
			mapReset = e.Time
		}
	}

	var (
		pos     r2.Point
		havePos bool
	)
	for j := len(res.Epochs) - 1; j >= 0; j-- {
		if p, ok := epochPair(res.Epochs[j]); ok {
			pos = r2.Point{X: (p.LeftE + p.RightE) / 2, Y: (p.LeftN + p.RightN) / 2}
			havePos = true
			break
		}
	}
	var lat, lng float64
	haveGeo := false
	if havePos && last.Zone != 0 && i.conv != nil {
		if ll, err := i.conv.ToGeodetic(last.Zone, pos); err == nil {
			lat, lng, haveGeo = ll.Lat.Degrees(), ll.Lng.Degrees(), true
		} else {
			i.logger.Debug("no geodetic position for machine", "machine", id, "zone", last.Zone, "error", err)
		}
	}

	model.Machines().Update(id, func(m *sitemodel.Machine) {
		if !last.Time.Before(m.LastSeen) {
			m.LastSeen = last.Time
			m.Design = last.Design
			m.Layer = last.Layer
			m.GPSAccuracy = last.GPSAccuracy
			if havePos {
				m.LastX, m.LastY = pos.X, pos.Y
			}
			if haveGeo {
				m.LastLat, m.LastLng = lat, lng
			}
		}
		if mapReset.After(m.MapReset) {
			m.MapReset = mapReset
		}
		for _, run := range res.ProofingRuns {
			m.ProofingRuns = append(m.ProofingRuns, sitemodel.ProofingRun{Name: run.Name, Start: run.Start, End: run.End})
		}
	})
}
