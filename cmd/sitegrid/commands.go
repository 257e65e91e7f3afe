package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/logging"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logJSON    bool

	cfg    config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "sitegrid",
		Short:         "Compaction site model store: TAG file ingest, spatial queries and summaries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-json") {
				cfg.LogJSON = logJSON
			}
			logger = logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
			slog.SetDefault(logger)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: TAG file submission, change events, metrics and persistence",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest TAG files into a project in the configured store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest, // Defined in cmd_ingest.go
	}

	decodeCmd = &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a TAG file and print its machine, epochs and tag statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode, // Defined in cmd_decode.go
	}

	summaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Run a summary or cell pass query over a stored project",
		Args:  cobra.NoArgs,
		RunE:  runSummary, // Defined in cmd_summary.go
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write a project's cell passes as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE:  runExport, // Defined in cmd_export.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	ingestCmd.Flags().StringVarP(&ingestProject, "project", "p", "", "project id (uuid)")
	ingestCmd.Flags().IntVarP(&ingestWorkers, "workers", "w", 4, "files processed in parallel")
	ingestCmd.Flags().BoolVar(&ingestStrict, "strict", false, "discard epochs with rejected values")
	ingestCmd.Flags().BoolVar(&ingestRemove, "remove", false, "remove the files' passes instead of adding them")
	ingestCmd.Flags().StringVar(&ingestServer, "server", "", "submit to a running daemon at this URL instead of the local store")
	ingestCmd.Flags().StringVar(&ingestAPIKey, "api-key", "", "bearer token sent with --server")
	_ = ingestCmd.MarkFlagRequired("project")

	decodeCmd.Flags().BoolVar(&decodeEpochs, "epochs", false, "print every epoch")
	decodeCmd.Flags().BoolVar(&decodeStrict, "strict", false, "discard epochs with rejected values")

	summaryCmd.Flags().StringVarP(&summaryProject, "project", "p", "", "project id (uuid)")
	summaryCmd.Flags().StringVarP(&summaryKind, "kind", "k", "ccv", "ccv, mdp, pass_count, temperature, cut_fill, elevation, cell_datum or cells")
	summaryCmd.Flags().StringVarP(&summaryAttribute, "attribute", "a", "ccv", "attribute read by cell_datum")
	summaryCmd.Flags().Int32Var(&summaryTargetMin, "target-min", 0, "lower bound of the target band")
	summaryCmd.Flags().Int32Var(&summaryTargetMax, "target-max", 0, "upper bound of the target band")
	summaryCmd.Flags().Float64Var(&summaryReference, "reference", 0, "reference elevation in metres for cut_fill")
	summaryCmd.Flags().Float64Var(&summaryTolerance, "tolerance", 0, "cut/fill tolerance in metres")
	summaryCmd.Flags().StringVar(&summaryRect, "rect", "", "spatial filter minX,minY,maxX,maxY in grid metres")
	summaryCmd.Flags().StringSliceVar(&summaryMachines, "machine", nil, "restrict to machine hardware ids")
	summaryCmd.Flags().IntVar(&summaryPageSize, "page-size", 0, "candidate leaves per request (0 = config)")
	_ = summaryCmd.MarkFlagRequired("project")

	exportCmd.Flags().StringVarP(&exportProject, "project", "p", "", "project id (uuid)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "json or csv")
	exportCmd.Flags().BoolVar(&exportGzip, "gzip", false, "gzip the output")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportRect, "rect", "", "spatial filter minX,minY,maxX,maxY in grid metres")
	exportCmd.Flags().StringSliceVar(&exportMachines, "machine", nil, "restrict to machine hardware ids")
	exportCmd.Flags().StringVar(&exportStart, "start", "", "earliest pass time (RFC3339)")
	exportCmd.Flags().StringVar(&exportEnd, "end", "", "latest pass time (RFC3339)")
	_ = exportCmd.MarkFlagRequired("project")

	rootCmd.AddCommand(serveCmd, ingestCmd, decodeCmd, summaryCmd, exportCmd)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
