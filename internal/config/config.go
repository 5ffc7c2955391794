// Package config loads pipeline configuration from an optional YAML
// file, applies environment overrides, and validates the result.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prooflab/gallery-archiver/internal/events"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/storage"
	"github.com/prooflab/gallery-archiver/internal/util"
)

type Config struct {
	Log     logging.Config `yaml:"log"`
	Storage storage.Config `yaml:"storage"`
	State   StateConfig    `yaml:"state"`
	Planner PlannerConfig  `yaml:"planner"`
	Stager  StagerConfig   `yaml:"stager"`
	Merge   MergeConfig    `yaml:"merge"`
	Runner  RunnerConfig   `yaml:"runner"`
	API     APIConfig      `yaml:"api"`
	Metrics metrics.Config `yaml:"metrics"`
	Sweeper SweeperConfig  `yaml:"sweeper"`
	Events  events.Config  `yaml:"events"`
	Archive ArchiveConfig  `yaml:"archive"`
}

type StateConfig struct {
	Backend     string `yaml:"backend"` // "postgres" | "memory"
	PostgresDSN string `yaml:"postgres_dsn"`
}

type PlannerConfig struct {
	// ChunkThreshold is the file count at or below which a request is
	// served single-path, with no staging or fan-out.
	ChunkThreshold int `yaml:"chunk_threshold"`
	// FilesPerWorker sizes the fan-out: workerCount grows by one per
	// this many files, clamped to [2, MaxWorkers].
	FilesPerWorker int `yaml:"files_per_worker"`
	MaxWorkers     int `yaml:"max_workers"`
}

type StagerConfig struct {
	// MaxAttempts bounds per-key retries on transient errors.
	MaxAttempts    int `yaml:"max_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	// MissingTolerance is the fraction of a chunk's keys allowed to
	// vanish before the chunk fails.
	MissingTolerance float64       `yaml:"missing_tolerance"`
	StreamTimeout    util.Duration `yaml:"stream_timeout"`
}

type MergeConfig struct {
	// PartSize is the multipart part size. The S3 protocol requires at
	// least 5 MiB for every part but the last.
	PartSize         util.ByteSize `yaml:"part_size"`
	EntryConcurrency int           `yaml:"entry_concurrency"`
	PartsInFlight    int           `yaml:"parts_in_flight"`
	// FailureTolerance is the fraction of entries allowed to fail
	// before the whole merge fails.
	FailureTolerance float64       `yaml:"failure_tolerance"`
	Compression      string        `yaml:"compression"` // "store" | "deflate"
	StreamTimeout    util.Duration `yaml:"stream_timeout"`
}

type RunnerConfig struct {
	// MergeAttempts bounds how many times the in-process runner
	// re-invokes the merge before declaring the run failed.
	MergeAttempts  int `yaml:"merge_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

type APIConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout util.Duration `yaml:"shutdown_timeout"`
}

type SweeperConfig struct {
	Interval  util.Duration `yaml:"interval"`
	Retention util.Duration `yaml:"retention"`
}

type ArchiveConfig struct {
	// ExpiresAfter stamps published archives with an expires-at
	// metadata value this far in the future. Zero disables the stamp.
	ExpiresAfter util.Duration `yaml:"expires_after"`
	// ListPageSize is the page size for source and staging listings.
	ListPageSize int `yaml:"list_page_size"`
}

// Default returns the configuration used when no file or environment
// override says otherwise.
func Default() Config {
	return Config{
		Log: logging.Config{Format: "json", Level: "info"},
		Storage: storage.Config{
			Backend: "file",
			Dir:     "./data",
		},
		State: StateConfig{Backend: "memory"},
		Planner: PlannerConfig{
			ChunkThreshold: 100,
			FilesPerWorker: 500,
			MaxWorkers:     10,
		},
		Stager: StagerConfig{
			MaxAttempts:      3,
			RetryBackoffMs:   500,
			MissingTolerance: 0.10,
			StreamTimeout:    util.Duration(5 * time.Minute),
		},
		Merge: MergeConfig{
			PartSize:         util.ByteSize(32 * 1024 * 1024),
			EntryConcurrency: 8,
			PartsInFlight:    4,
			FailureTolerance: 0.05,
			Compression:      "store",
			StreamTimeout:    util.Duration(10 * time.Minute),
		},
		Runner: RunnerConfig{MergeAttempts: 2, RetryBackoffMs: 1000},
		API: APIConfig{
			Address:         ":8080",
			ShutdownTimeout: util.Duration(15 * time.Second),
		},
		Metrics: metrics.Config{Enabled: true, Address: ":9090"},
		Sweeper: SweeperConfig{
			Interval:  util.Duration(30 * time.Minute),
			Retention: util.Duration(2 * time.Hour),
		},
		Events:  events.Config{Enabled: false},
		Archive: ArchiveConfig{ListPageSize: 1000},
	}
}

// Load reads the YAML file at path (skipped when path is empty),
// layers environment overrides on top, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for main: it exits the process on failure.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "postgres":
		if c.State.PostgresDSN == "" {
			return fmt.Errorf("state: postgres_dsn required for postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("state: unknown backend %q", c.State.Backend)
	}

	if c.Planner.ChunkThreshold < 1 {
		return fmt.Errorf("planner: chunk_threshold must be at least 1")
	}
	if c.Planner.FilesPerWorker < 1 {
		return fmt.Errorf("planner: files_per_worker must be at least 1")
	}
	if c.Planner.MaxWorkers < 2 {
		return fmt.Errorf("planner: max_workers must be at least 2")
	}

	if c.Stager.MaxAttempts < 1 {
		return fmt.Errorf("stager: max_attempts must be at least 1")
	}
	if c.Stager.MissingTolerance < 0 || c.Stager.MissingTolerance >= 1 {
		return fmt.Errorf("stager: missing_tolerance must be in [0, 1)")
	}

	const minPartSize = 5 * 1024 * 1024
	if c.Merge.PartSize.Int64() < minPartSize {
		return fmt.Errorf("merge: part_size must be at least 5MiB (S3 part minimum)")
	}
	if c.Merge.EntryConcurrency < 1 || c.Merge.EntryConcurrency > 16 {
		return fmt.Errorf("merge: entry_concurrency must be in [1, 16]")
	}
	if c.Merge.PartsInFlight < 1 {
		return fmt.Errorf("merge: parts_in_flight must be at least 1")
	}
	if c.Merge.FailureTolerance < 0 || c.Merge.FailureTolerance >= 1 {
		return fmt.Errorf("merge: failure_tolerance must be in [0, 1)")
	}
	switch c.Merge.Compression {
	case "store", "deflate":
	default:
		return fmt.Errorf("merge: unknown compression %q", c.Merge.Compression)
	}

	if c.Runner.MergeAttempts < 1 {
		return fmt.Errorf("runner: merge_attempts must be at least 1")
	}

	if c.API.Address == "" {
		return fmt.Errorf("api: address required")
	}

	if c.Sweeper.Interval.Std() <= 0 {
		return fmt.Errorf("sweeper: interval must be positive")
	}
	if c.Sweeper.Retention.Std() <= 0 {
		return fmt.Errorf("sweeper: retention must be positive")
	}

	if c.Events.Enabled {
		switch c.Events.Sink {
		case "file":
			if c.Events.Path == "" {
				return fmt.Errorf("events: path required for file sink")
			}
		case "http":
			if c.Events.Endpoint == "" {
				return fmt.Errorf("events: endpoint required for http sink")
			}
		default:
			return fmt.Errorf("events: unknown sink %q", c.Events.Sink)
		}
	}

	if c.Archive.ListPageSize < 1 {
		return fmt.Errorf("archive: list_page_size must be at least 1")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	setString(&cfg.Storage.Region, "STORAGE_REGION")
	setString(&cfg.Storage.Endpoint, "STORAGE_ENDPOINT")
	setString(&cfg.Storage.Dir, "STORAGE_DIR")
	setString(&cfg.Storage.URL, "STORAGE_URL")

	setString(&cfg.State.Backend, "STATE_BACKEND")
	setString(&cfg.State.PostgresDSN, "STATE_DSN")

	setInt(&cfg.Planner.ChunkThreshold, "CHUNK_THRESHOLD")
	setInt(&cfg.Planner.FilesPerWorker, "FILES_PER_WORKER")
	setInt(&cfg.Planner.MaxWorkers, "MAX_WORKERS")

	setBytes(&cfg.Merge.PartSize, "PART_SIZE")
	setString(&cfg.Merge.Compression, "COMPRESSION")

	setString(&cfg.API.Address, "API_ADDRESS")
	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")

	setDuration(&cfg.Sweeper.Interval, "SWEEP_INTERVAL")
	setDuration(&cfg.Sweeper.Retention, "SWEEP_RETENTION")

	setBool(&cfg.Events.Enabled, "EVENTS_ENABLED")
	setString(&cfg.Events.Sink, "EVENTS_SINK")
	setString(&cfg.Events.Path, "EVENTS_PATH")
	setString(&cfg.Events.Endpoint, "EVENTS_ENDPOINT")

	setDuration(&cfg.Archive.ExpiresAfter, "ARCHIVE_EXPIRES_AFTER")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setBytes(dst *util.ByteSize, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := util.ParseBytes(v); err == nil {
			*dst = util.ByteSize(parsed)
		}
	}
}

func setDuration(dst *util.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = util.Duration(parsed)
		}
	}
}
