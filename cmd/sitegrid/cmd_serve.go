package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nicktill/sitegrid/pkg/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting sitegrid",
		"port", cfg.Port,
		"backend", cfg.Backend,
		"data_dir", cfg.DataDir,
		"cell_size", cfg.CellSize)
	s, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
