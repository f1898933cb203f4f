// Package config loads gosqueeze configuration from defaults, an optional
// YAML file, GOSQUEEZE_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config is the complete gosqueeze configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Output       OutputConfig       `mapstructure:"output"`
	Source       SourceConfig       `mapstructure:"source"`
	S3           S3Config           `mapstructure:"s3"`
	Precondition PreconditionConfig `mapstructure:"precondition"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
}

// RegistryConfig selects the job registry backend.
type RegistryConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `mapstructure:"backend"`

	// Path is the registry directory (file) or database file (sqlite).
	// Empty means <data_dir>/jobs or <data_dir>/jobs.db.
	Path string `mapstructure:"path"`
}

// OutputConfig selects where compressed outputs are written.
type OutputConfig struct {
	// URI is a local directory or s3://bucket/prefix/. Empty means <data_dir>/outputs.
	URI string `mapstructure:"uri"`
}

// SourceConfig bounds source reads.
type SourceConfig struct {
	MaxBytes ByteSize `mapstructure:"max_bytes"`
}

// S3Config is shared by S3 sources and the S3 output sink.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// PreconditionConfig configures the checks re-validated before each run.
type PreconditionConfig struct {
	MinFreeBytes ByteSize `mapstructure:"min_free_bytes"`
}

// SchedulerConfig configures the worker pool.
type SchedulerConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	RateLimit    float64       `mapstructure:"rate_limit"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ByteSize is a byte count that decodes from integers or strings like "64MiB".
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a human byte size ("20KiB", "1.5 MB", "4096").
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

var (
	validBackends = map[string]bool{"file": true, "sqlite": true}
	validLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validProfiles = map[string]bool{"structured": true, "console": true}
)

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if !validBackends[c.Registry.Backend] {
		return fmt.Errorf("registry.backend: unsupported backend %q (file, sqlite)", c.Registry.Backend)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers: must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.RateLimit < 0 {
		return fmt.Errorf("scheduler.rate_limit: must be >= 0, got %v", c.Scheduler.RateLimit)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval: must be > 0")
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level: unsupported level %q", c.Logging.Level)
	}
	if !validProfiles[c.Logging.Profile] {
		return fmt.Errorf("logging.profile: unsupported profile %q (structured, console)", c.Logging.Profile)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	return nil
}

// RegistryPath returns the effective registry location.
func (c *Config) RegistryPath() string {
	if p := strings.TrimSpace(c.Registry.Path); p != "" {
		return p
	}
	if c.Registry.Backend == "sqlite" {
		return filepath.Join(c.DataDir, "jobs.db")
	}
	return filepath.Join(c.DataDir, "jobs")
}

// OutputURI returns the effective output destination.
func (c *Config) OutputURI() string {
	if u := strings.TrimSpace(c.Output.URI); u != "" {
		return u
	}
	return filepath.Join(c.DataDir, "outputs")
}

// OutputIsLocal reports whether outputs are written to the local filesystem.
func (c *Config) OutputIsLocal() bool {
	return !strings.HasPrefix(strings.ToLower(c.OutputURI()), "s3://")
}
