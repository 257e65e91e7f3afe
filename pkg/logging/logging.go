// Package logging builds the structured slog logger shared by every
// sitegrid component.
//
// Components take a *slog.Logger and fall back to slog.Default() when none
// is given:
//
//	logger := logging.New(logging.Config{Level: "debug", JSON: true})
//	ingestor := ingest.NewIngestor(registry, ingest.WithLogger(logger))
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config configures the logger. The zero value writes Info and above as text
// to stderr.
type Config struct {
	// Level is one of debug, info, warn, error
	Level string

	// JSON switches from text to JSON output
	JSON bool

	// Output defaults to os.Stderr
	Output io.Writer
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// New builds a logger from cfg. An unknown level falls back to Info.
func New(cfg Config) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler).With("service", "sitegrid")
	if err != nil {
		logger.Warn("falling back to info level", "error", err)
	}
	return logger
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
