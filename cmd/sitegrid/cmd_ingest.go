package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nicktill/sitegrid/pkg/ingest"
	"github.com/nicktill/sitegrid/pkg/sdk"
	"github.com/nicktill/sitegrid/pkg/server"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/storage"
)

var (
	ingestProject string
	ingestWorkers int
	ingestStrict  bool
	ingestRemove  bool
	ingestServer  string
	ingestAPIKey  string
)

// openModels opens the configured store and a registry over it.
func openModels() (storage.Store, *sitemodel.Registry, error) {
	store, err := server.InitializeStorage(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	models := sitemodel.NewRegistry(store, sitemodel.Options{
		CellSize:         cfg.CellSize,
		MaxSegmentPasses: cfg.SegmentMaxPasses,
		Logger:           logger,
	})
	return store, models, nil
}

// expandPaths replaces directories with the files directly inside them.
func expandPaths(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				out = append(out, filepath.Join(arg, e.Name()))
			}
		}
	}
	return out, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	project, err := uuid.Parse(ingestProject)
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	paths, err := expandPaths(args)
	if err != nil {
		return err
	}

	if ingestServer != "" {
		reports, err := submitRemote(cmd.Context(), project, paths)
		if werr := writeJSON(cmd.OutOrStdout(), reports); werr != nil {
			return werr
		}
		return err
	}

	store, models, err := openModels()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	ing := ingest.NewIngestor(models, ingest.WithLogger(logger), ingest.WithStrictEpochs(ingestStrict))

	var (
		reports []ingest.Report
		runErr  error
	)
	if ingestRemove {
		reports, runErr = removeFiles(ctx, ing, project, paths)
	} else {
		reports, runErr = ing.IngestFiles(ctx, project, paths, ingestWorkers)
	}

	res, persistErr := models.PersistAll(ctx)
	if persistErr == nil {
		logger.Info("site model persisted", "written", res.LeavesWritten, "deleted", res.LeavesDeleted)
	}
	if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
		return err
	}
	return errors.Join(runErr, persistErr)
}

// removeFiles removes the passes of each file in turn.
func removeFiles(ctx context.Context, ing *ingest.Ingestor, project uuid.UUID, paths []string) ([]ingest.Report, error) {
	reports := make([]ingest.Report, 0, len(paths))
	var errs []error
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, err)
			reports = append(reports, ingest.Report{Project: project, File: path, Error: err.Error()})
			continue
		}
		r, err := ing.Remove(ctx, project, filepath.Base(path), f)
		f.Close()
		if err != nil {
			errs = append(errs, err)
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

// submitRemote sends each file to the daemon at --server.
func submitRemote(ctx context.Context, project uuid.UUID, paths []string) ([]ingest.Report, error) {
	client, err := sdk.New(sdk.ClientConfig{Endpoint: ingestServer, APIKey: ingestAPIKey})
	if err != nil {
		return nil, err
	}
	reports := make([]ingest.Report, 0, len(paths))
	var errs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			reports = append(reports, ingest.Report{Project: project, File: path, Error: err.Error()})
			continue
		}
		name := filepath.Base(path)
		var r ingest.Report
		if ingestRemove {
			r, err = client.Remove(ctx, project, name, data)
		} else {
			r, err = client.Submit(ctx, project, name, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			r = ingest.Report{Project: project, File: name, Error: err.Error()}
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}
