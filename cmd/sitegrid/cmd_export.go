package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nicktill/sitegrid/pkg/export"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

var (
	exportProject  string
	exportFormat   string
	exportGzip     bool
	exportOutput   string
	exportRect     string
	exportMachines []string
	exportStart    string
	exportEnd      string
)

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// rectExtents converts a grid rectangle into the cells it covers.
func rectExtents(s string, cellSize float64) (*subgridtree.CellExtents, error) {
	rect, err := parseRect(s)
	if err != nil {
		return nil, err
	}
	minX, minY, ok := subgridtree.WorldToCell(rect.X.Lo, rect.Y.Lo, cellSize)
	if !ok {
		return nil, fmt.Errorf("rect %q lies outside the grid", s)
	}
	maxX, maxY, ok := subgridtree.WorldToCell(rect.X.Hi, rect.Y.Hi, cellSize)
	if !ok {
		return nil, fmt.Errorf("rect %q lies outside the grid", s)
	}
	return &subgridtree.CellExtents{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	project, err := uuid.Parse(exportProject)
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	opts := export.ExportOptions{Format: exportFormat, Gzip: exportGzip, Machines: exportMachines}
	if opts.Start, err = parseTimeFlag("start", exportStart); err != nil {
		return err
	}
	if opts.End, err = parseTimeFlag("end", exportEnd); err != nil {
		return err
	}

	store, models, err := openModels()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	model, created, err := models.GetOrCreate(ctx, project)
	if err != nil {
		return err
	}
	if created {
		return fmt.Errorf("project %s has no stored site model", project)
	}
	if exportRect != "" {
		if opts.Extents, err = rectExtents(exportRect, model.CellSize); err != nil {
			return err
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" && exportOutput != "-" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	res, err := export.NewExporter(model).Export(ctx, w, opts)
	if err != nil {
		return err
	}
	logger.Info("export complete", "project", res.Project, "cells", res.Cells, "passes", res.Passes, "format", res.Format)
	return nil
}
