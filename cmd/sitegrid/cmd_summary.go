package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/cache"
	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/pipeline"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
)

var (
	summaryProject   string
	summaryKind      string
	summaryAttribute string
	summaryTargetMin int32
	summaryTargetMax int32
	summaryReference float64
	summaryTolerance float64
	summaryRect      string
	summaryMachines  []string
	summaryPageSize  int
)

// parseRect parses "minX,minY,maxX,maxY".
func parseRect(s string) (*r2.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("rect %q: want minX,minY,maxX,maxY", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("rect %q: %w", s, err)
		}
		v[i] = f
	}
	rect := r2.RectFromPoints(r2.Point{X: v[0], Y: v[1]}, r2.Point{X: v[2], Y: v[3]})
	return &rect, nil
}

// buildQuery turns the summary flags into a pipeline query over model.
func buildQuery(model *sitemodel.SiteModel) (pipeline.Query, error) {
	q := pipeline.Query{Kind: pipeline.RequestSummary, Project: model.ID}
	if summaryKind == "cells" {
		q.Kind = pipeline.RequestCellPasses
	} else {
		kind, err := aggregation.ParseKind(summaryKind)
		if err != nil {
			return q, err
		}
		q.Aggregation = aggregation.Config{
			Kind:               kind,
			CellSize:           model.CellSize,
			TargetMin:          summaryTargetMin,
			TargetMax:          summaryTargetMax,
			ReferenceElevation: int64(math.Round(summaryReference * 1000)),
			Tolerance:          int64(math.Round(summaryTolerance * 1000)),
		}
	}
	attr, err := cellpass.ParseAttribute(summaryAttribute)
	if err != nil {
		return q, err
	}
	q.Attribute = attr

	var f filter.Filter
	if summaryRect != "" {
		rect, err := parseRect(summaryRect)
		if err != nil {
			return q, err
		}
		f.Spatial.Rect = rect
	}
	for _, hw := range summaryMachines {
		id, ok := model.Machines().Lookup(hw)
		if !ok {
			return q, fmt.Errorf("machine %q not registered in project", hw)
		}
		f.Attribute.Machines = append(f.Attribute.Machines, id)
	}
	q.Filters = []filter.Filter{f}
	return q, nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	project, err := uuid.Parse(summaryProject)
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
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

	q, err := buildQuery(model)
	if err != nil {
		return err
	}
	pageSize := cfg.PageSize
	if summaryPageSize > 0 {
		pageSize = summaryPageSize
	}
	exec := pipeline.LocalExecutor{Env: pipeline.Env{
		Models: models,
		Cache:  cache.New(cache.Options{TTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries}),
		Logger: logger,
	}}
	p, err := pipeline.NewPipeline(model, q, exec, pipeline.Options{
		PageSize:    pageSize,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	logger.Debug("query planned", "candidates", p.CountCandidates(), "pages", p.Pages())

	ctx, cancel := context.WithTimeout(ctx, config.QueryTimeout)
	defer cancel()
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}
