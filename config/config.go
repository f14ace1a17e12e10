// Package config loads escrowkit settings from TOML.
//
// Every field has a default, so an empty file (or no file at all) yields a
// working in-memory setup:
//
//	[ledger]
//	backend = "nats"
//	nats_url = "nats://localhost:4222"
//	lock_wait = "2s"
//
//	[policy]
//	revision_progress = 75
//	release_hold = "168h"
//
//	[autorelease]
//	enabled = true
//	interval = "1m"
//
// Durations are Go duration strings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Config is the full escrowkit configuration.
type Config struct {
	Ledger      LedgerConfig      `toml:"ledger"`
	Policy      PolicyConfig      `toml:"policy"`
	Bus         BusConfig         `toml:"bus"`
	Autorelease AutoreleaseConfig `toml:"autorelease"`
	Log         LogConfig         `toml:"log"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// LedgerConfig selects and tunes the ledger store.
type LedgerConfig struct {
	Backend     string        `toml:"backend"`
	NATSURL     string        `toml:"nats_url"`
	Bucket      string        `toml:"bucket"`
	PostgresDSN string        `toml:"postgres_dsn"`
	LockTTL     time.Duration `toml:"lock_ttl"`
	LockWait    time.Duration `toml:"lock_wait"`
}

// PolicyConfig holds product choices.
type PolicyConfig struct {
	// RevisionProgress is the progress a task is reset to when the poster
	// requests revisions.
	RevisionProgress int `toml:"revision_progress"`

	// ReleaseHold is the time between acceptance and scheduled release.
	ReleaseHold time.Duration `toml:"release_hold"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	Backend       string `toml:"backend"`
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	BufferSize    int    `toml:"buffer_size"`
}

// AutoreleaseConfig controls the release-due sweeper.
type AutoreleaseConfig struct {
	Enabled bool `toml:"enabled"`

	// AutoRelease lets the sweeper pay out due escrows instead of only
	// reporting them.
	AutoRelease bool          `toml:"auto_release"`
	Interval    time.Duration `toml:"interval"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig controls tracing and the audit trail.
type TelemetryConfig struct {
	Endpoint      string  `toml:"endpoint"`
	Protocol      string  `toml:"protocol"`
	Insecure      bool    `toml:"insecure"`
	ServiceName   string  `toml:"service_name"`
	SampleRatio   float64 `toml:"sample_ratio"`
	Debug         bool    `toml:"debug"`
	Audit         string  `toml:"audit"`
	AuditEndpoint string  `toml:"audit_endpoint"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Backend:  BackendMemory,
			NATSURL:  "nats://localhost:4222",
			Bucket:   "escrowkit",
			LockTTL:  30 * time.Second,
			LockWait: 5 * time.Second,
		},
		Policy: PolicyConfig{
			RevisionProgress: 75,
			ReleaseHold:      7 * 24 * time.Hour,
		},
		Bus: BusConfig{
			Backend:       BackendMemory,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "escrowkit",
			BufferSize:    256,
		},
		Autorelease: AutoreleaseConfig{
			Interval: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "escrowkit",
			SampleRatio: 1,
			Audit:       "noop",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"escrowkit.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "escrowkit", "escrowkit.toml"))
	}
	return paths
}

// Load reads the first config file found in StandardPaths. With no file it
// returns Default() and an empty path.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return cfg, path, nil
		}
	}
	cfg := Default()
	cfg.ApplyEnv()
	return cfg, "", nil
}

// LoadFile reads and validates a config file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults, applies environment
// overrides and validates the result. Unknown keys are an error.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings from the environment:
// NATS_URL, ESCROWKIT_POSTGRES_DSN and ESCROWKIT_LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Ledger.NATSURL = url
		c.Bus.NATSURL = url
	}
	if dsn := os.Getenv("ESCROWKIT_POSTGRES_DSN"); dsn != "" {
		c.Ledger.PostgresDSN = dsn
	}
	if level := os.Getenv("ESCROWKIT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Ledger.NATSURL == "" {
			problems = append(problems, "ledger.nats_url is required for the nats backend")
		}
		if c.Ledger.Bucket == "" {
			problems = append(problems, "ledger.bucket is required for the nats backend")
		}
	case BackendPostgres:
		if c.Ledger.PostgresDSN == "" {
			problems = append(problems, "ledger.postgres_dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("ledger.backend %q is not one of memory, nats, postgres", c.Ledger.Backend))
	}
	if c.Ledger.LockTTL <= 0 {
		problems = append(problems, "ledger.lock_ttl must be positive")
	}
	if c.Ledger.LockWait <= 0 {
		problems = append(problems, "ledger.lock_wait must be positive")
	}

	if c.Policy.RevisionProgress < 0 || c.Policy.RevisionProgress > 100 {
		problems = append(problems, "policy.revision_progress must be between 0 and 100")
	}
	if c.Policy.ReleaseHold <= 0 {
		problems = append(problems, "policy.release_hold must be positive")
	}

	switch c.Bus.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bus.NATSURL == "" {
			problems = append(problems, "bus.nats_url is required for the nats backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("bus.backend %q is not one of memory, nats", c.Bus.Backend))
	}
	if c.Bus.SubjectPrefix == "" || strings.ContainsAny(c.Bus.SubjectPrefix, " *>") {
		problems = append(problems, "bus.subject_prefix must be a non-empty subject without wildcards")
	}

	if c.Autorelease.Enabled && c.Autorelease.Interval <= 0 {
		problems = append(problems, "autorelease.interval must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		problems = append(problems, fmt.Sprintf("telemetry.protocol %q is not one of grpc, http", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		problems = append(problems, "telemetry.sample_ratio must be between 0 and 1")
	}
	switch c.Telemetry.Audit {
	case "", "noop":
	case "file", "http":
		if c.Telemetry.AuditEndpoint == "" {
			problems = append(problems, "telemetry.audit_endpoint is required for the "+c.Telemetry.Audit+" audit exporter")
		}
	default:
		problems = append(problems, fmt.Sprintf("telemetry.audit %q is not one of noop, file, http", c.Telemetry.Audit))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
