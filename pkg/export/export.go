package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// ErrUnknownFormat is returned for a format other than json or csv.
var ErrUnknownFormat = errors.New("unknown export format")

// Exporter writes the cell passes of one site model.
type Exporter struct {
	model *sitemodel.SiteModel
}

// NewExporter creates a new exporter
func NewExporter(model *sitemodel.SiteModel) *Exporter {
	return &Exporter{model: model}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Time range to export (zero = unbounded)
	Start time.Time
	End   time.Time

	// Extents restricts the cells exported (nil = every leaf)
	Extents *subgridtree.CellExtents

	// Machines restricts passes to these hardware ids (nil = all machines)
	Machines []string

	// Format: "json" or "csv"
	Format string

	// Gzip compresses the output stream
	Gzip bool
}

// ExportResult contains stats about the export
type ExportResult struct {
	Project    string    `json:"project"`
	Cells      int       `json:"cells"`
	Passes     int       `json:"passes"`
	Format     string    `json:"format"`
	ExportedAt time.Time `json:"exported_at"`
}

// Pass is one exported cell pass. Null measurements are omitted.
type Pass struct {
	CellX       uint32    `json:"cell_x"`
	CellY       uint32    `json:"cell_y"`
	Easting     float64   `json:"easting"`
	Northing    float64   `json:"northing"`
	Time        time.Time `json:"time"`
	Machine     string    `json:"machine"`
	Height      *float32  `json:"height,omitempty"`
	CCV         *int32    `json:"ccv,omitempty"`
	RMV         *int32    `json:"rmv,omitempty"`
	MDP         *int32    `json:"mdp,omitempty"`
	Frequency   *int32    `json:"frequency,omitempty"`
	Amplitude   *int32    `json:"amplitude,omitempty"`
	Temperature *int32    `json:"temperature,omitempty"`
	GPSMode     *int32    `json:"gps_mode,omitempty"`
	CCA         *int32    `json:"cca,omitempty"`
}

// Export writes the model's passes in opts.Format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Format != "json" && opts.Format != "csv" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}

	if opts.Gzip {
		zw := gzip.NewWriter(w)
		res, err := e.export(ctx, zw, opts)
		if cerr := zw.Close(); err == nil && cerr != nil {
			return nil, fmt.Errorf("failed to finish gzip stream: %w", cerr)
		}
		return res, err
	}
	return e.export(ctx, w, opts)
}

func (e *Exporter) export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	if opts.Format == "csv" {
		return e.ExportToCSV(ctx, w, opts)
	}
	return e.ExportToJSON(ctx, w, opts)
}

// ExportToJSON exports passes as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	passes, cells, err := e.collect(ctx, opts)
	if err != nil {
		return nil, err
	}

	exportData := struct {
		Metadata struct {
			ExportedAt time.Time `json:"exported_at"`
			Project    string    `json:"project"`
			CellSize   float64   `json:"cell_size"`
			Cells      int       `json:"cells"`
			PassCount  int       `json:"pass_count"`
			Version    string    `json:"version"`
		} `json:"metadata"`
		Passes []Pass `json:"passes"`
	}{
		Passes: passes,
	}
	exportData.Metadata.ExportedAt = time.Now().UTC()
	exportData.Metadata.Project = e.model.ID.String()
	exportData.Metadata.CellSize = e.model.CellSize
	exportData.Metadata.Cells = cells
	exportData.Metadata.PassCount = len(passes)
	exportData.Metadata.Version = "1.0"

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(exportData); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		Project:    e.model.ID.String(),
		Cells:      cells,
		Passes:     len(passes),
		Format:     "json",
		ExportedAt: exportData.Metadata.ExportedAt,
	}, nil
}

var csvHeader = []string{
	"cell_x", "cell_y", "easting", "northing", "time", "machine", "height",
	"ccv", "rmv", "mdp", "frequency", "amplitude", "temperature", "gps_mode", "cca",
}

// ExportToCSV exports passes as CSV to the given writer. Null
// measurements are written as empty fields.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	passes, cells, err := e.collect(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, p := range passes {
		row := []string{
			strconv.FormatUint(uint64(p.CellX), 10),
			strconv.FormatUint(uint64(p.CellY), 10),
			strconv.FormatFloat(p.Easting, 'f', 3, 64),
			strconv.FormatFloat(p.Northing, 'f', 3, 64),
			p.Time.Format(time.RFC3339Nano),
			p.Machine,
			formatHeight(p.Height),
			formatInt(p.CCV), formatInt(p.RMV), formatInt(p.MDP),
			formatInt(p.Frequency), formatInt(p.Amplitude), formatInt(p.Temperature),
			formatInt(p.GPSMode), formatInt(p.CCA),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		Project:    e.model.ID.String(),
		Cells:      cells,
		Passes:     len(passes),
		Format:     "csv",
		ExportedAt: time.Now().UTC(),
	}, nil
}

// collect gathers matching passes ordered by cell then time.
func (e *Exporter) collect(ctx context.Context, opts ExportOptions) ([]Pass, int, error) {
	extents := subgridtree.FullExtents
	if opts.Extents != nil {
		extents = *opts.Extents
	}

	machines := e.model.Machines()
	var allowed map[uint16]bool
	if opts.Machines != nil {
		allowed = make(map[uint16]bool, len(opts.Machines))
		for _, hw := range opts.Machines {
			if id, ok := machines.Lookup(hw); ok {
				allowed[id] = true
			}
		}
	}
	names := make(map[uint16]string)
	machineName := func(id uint16) string {
		if n, ok := names[id]; ok {
			return n
		}
		n := ""
		if m, ok := machines.Get(id); ok {
			n = m.HardwareID
		}
		names[id] = n
		return n
	}

	var (
		out   []Pass
		cells int
	)
	for _, origin := range e.model.Origins(extents) {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		leaf, ok := e.model.Leaf(origin)
		if !ok {
			continue
		}
		snap := leaf.Snapshot()
		for y := uint8(0); y < subgridtree.Dimension; y++ {
			for x := uint8(0); x < subgridtree.Dimension; x++ {
				cellX, cellY := origin.X+uint32(x), origin.Y+uint32(y)
				if !extents.Contains(cellX, cellY) {
					continue
				}
				matched := false
				for _, p := range snap.Passes(x, y) {
					if !inRange(p.Time, opts.Start, opts.End) {
						continue
					}
					if allowed != nil && !allowed[p.MachineID] {
						continue
					}
					matched = true
					out = append(out, toPass(cellX, cellY, e.model.CellSize, p, machineName(p.MachineID)))
				}
				if matched {
					cells++
				}
			}
		}
	}
	slices.SortStableFunc(out, func(a, b Pass) int {
		if a.CellY != b.CellY {
			return cmpUint(a.CellY, b.CellY)
		}
		if a.CellX != b.CellX {
			return cmpUint(a.CellX, b.CellX)
		}
		return a.Time.Compare(b.Time)
	})
	return out, cells, nil
}

func cmpUint(a, b uint32) int {
	if a < b {
		return -1
	}
	return 1
}

func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	return end.IsZero() || !t.After(end)
}

func toPass(cellX, cellY uint32, cellSize float64, p cellpass.CellPass, machine string) Pass {
	e, n := subgridtree.CellCenter(cellX, cellY, cellSize)
	out := Pass{CellX: cellX, CellY: cellY, Easting: e, Northing: n, Time: p.Time.UTC(), Machine: machine}
	if p.HasHeight() {
		h := p.Height
		out.Height = &h
	}
	fields := map[cellpass.Attribute]**int32{
		cellpass.CCV:         &out.CCV,
		cellpass.RMV:         &out.RMV,
		cellpass.MDP:         &out.MDP,
		cellpass.Frequency:   &out.Frequency,
		cellpass.Amplitude:   &out.Amplitude,
		cellpass.Temperature: &out.Temperature,
		cellpass.GPSMode:     &out.GPSMode,
		cellpass.CCA:         &out.CCA,
	}
	for attr, dst := range fields {
		if !p.IsNull(attr) {
			v := p.Value(attr)
			*dst = &v
		}
	}
	return out
}

func formatInt(v *int32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func formatHeight(v *float32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(float64(*v), 'f', 3, 32)
}
