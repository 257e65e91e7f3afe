package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/sitegrid"
	DefaultBackend      = "badger"
	DefaultMaxStorageGB = 4
	DefaultMaxMemoryMB  = 64
)

// Site model defaults
const (
	DefaultCellSize         = subgridtree.DefaultCellSize
	DefaultSegmentMaxPasses = 1024
)

// Background task intervals
const (
	PersistInterval    = 1 * time.Minute
	BadgerGCInterval   = 10 * time.Minute
	CacheSweepInterval = 1 * time.Minute
)

// Query defaults and limits
const (
	DefaultPageSize    = 64
	DefaultMaxInFlight = 4
	QueryTimeout       = 30 * time.Second
)

// Ingest timeouts and limits
const (
	IngestTimeout     = 30 * time.Second
	MaxTagFileBytes   = 64 << 20
	MaxIngestBodySize = MaxTagFileBytes + 1<<20
)

// Cache defaults
const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheMaxEntries = 10000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the daemon configuration. Values come from the defaults above,
// then an optional YAML file, then SITEGRID_* environment variables.
type Config struct {
	Port         string `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	Backend      string `yaml:"backend"` // badger, sqlite or memory
	MaxStorageGB int64  `yaml:"max_storage_gb"`
	MaxMemoryMB  int64  `yaml:"max_memory_mb"`

	CellSize         float64 `yaml:"cell_size"`
	SegmentMaxPasses int     `yaml:"segment_max_passes"`

	PageSize    int `yaml:"page_size"`
	MaxInFlight int `yaml:"max_in_flight"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`

	PersistInterval time.Duration `yaml:"persist_interval"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:             DefaultPort,
		DataDir:          DefaultDataDir,
		Backend:          DefaultBackend,
		MaxStorageGB:     DefaultMaxStorageGB,
		MaxMemoryMB:      DefaultMaxMemoryMB,
		CellSize:         DefaultCellSize,
		SegmentMaxPasses: DefaultSegmentMaxPasses,
		PageSize:         DefaultPageSize,
		MaxInFlight:      DefaultMaxInFlight,
		CacheTTL:         DefaultCacheTTL,
		CacheMaxEntries:  DefaultCacheMaxEntries,
		PersistInterval:  PersistInterval,
		LogLevel:         "info",
	}
}

// Load builds a Config. path may be empty; a missing file is an error only
// when path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("SITEGRID_PORT", getEnv("PORT", c.Port))
	c.DataDir = getEnv("SITEGRID_DATA_DIR", c.DataDir)
	c.Backend = getEnv("SITEGRID_BACKEND", c.Backend)
	c.MaxStorageGB = getEnvInt64("SITEGRID_MAX_STORAGE_GB", c.MaxStorageGB)
	c.MaxMemoryMB = getEnvInt64("SITEGRID_MAX_MEMORY_MB", c.MaxMemoryMB)
	c.CellSize = getEnvFloat("SITEGRID_CELL_SIZE", c.CellSize)
	c.SegmentMaxPasses = int(getEnvInt64("SITEGRID_SEGMENT_MAX_PASSES", int64(c.SegmentMaxPasses)))
	c.PageSize = int(getEnvInt64("SITEGRID_PAGE_SIZE", int64(c.PageSize)))
	c.MaxInFlight = int(getEnvInt64("SITEGRID_MAX_IN_FLIGHT", int64(c.MaxInFlight)))
	c.CacheTTL = getEnvDuration("SITEGRID_CACHE_TTL", c.CacheTTL)
	c.CacheMaxEntries = int(getEnvInt64("SITEGRID_CACHE_MAX_ENTRIES", int64(c.CacheMaxEntries)))
	c.PersistInterval = getEnvDuration("SITEGRID_PERSIST_INTERVAL", c.PersistInterval)
	c.LogLevel = getEnv("SITEGRID_LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("SITEGRID_LOG_JSON"); v != "" {
		c.LogJSON, _ = strconv.ParseBool(v)
	}
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.Backend {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.CellSize <= 0 {
		return fmt.Errorf("%w: cell size must be positive", ErrInvalidConfig)
	}
	if c.PageSize <= 0 || c.MaxInFlight <= 0 {
		return fmt.Errorf("%w: page size and max in flight must be positive", ErrInvalidConfig)
	}
	if c.SegmentMaxPasses < 0 {
		return fmt.Errorf("%w: negative segment max passes", ErrInvalidConfig)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid number in environment, using default", "key", key, "value", val, "default", defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val, "default", defaultValue)
	}
	return defaultValue
}
