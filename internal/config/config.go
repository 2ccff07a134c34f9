// Package config handles TOML configuration for autotag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Mapping store backends.
const (
	MappingSourceFile     = "file"
	MappingSourceS3       = "s3"
	MappingSourceDynamoDB = "dynamodb"
)

// Discovery backends.
const (
	DiscoveryResourceExplorer = "resource-explorer"
	DiscoveryNative           = "native"
)

// Config is the root configuration structure.
type Config struct {
	AWS        AWSConfig        `toml:"aws"`
	Mapping    MappingConfig    `toml:"mapping"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Events     EventsConfig     `toml:"events"`
	Marker     MarkerConfig     `toml:"marker"`
	Parameters ParametersConfig `toml:"parameters"`
	Engine     EngineConfig     `toml:"engine"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Policy     PolicyConfig     `toml:"policy"`
	Metrics    ServerConfig     `toml:"metrics"`
	OTEL       OTELConfig       `toml:"otel"`
	Log        LogConfig        `toml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// MappingConfig selects where the event-to-resource-type mapping is read from.
type MappingConfig struct {
	Source string `toml:"source"`
	Bucket string `toml:"bucket"`
	Key    string `toml:"key"`
	Table  string `toml:"table"`
	Path   string `toml:"path"`
}

// DiscoveryConfig selects the resource inventory backend.
type DiscoveryConfig struct {
	Backend      string   `toml:"backend"`
	ViewARN      string   `toml:"view_arn"`
	MaxResults   int      `toml:"max_results"`
	ExcludeTypes []string `toml:"exclude_types"`
}

// EventsConfig bounds the audit-event lookup.
type EventsConfig struct {
	WindowStr  string `toml:"window"`
	Window     time.Duration
	MaxResults int `toml:"max_results"`
}

// MarkerConfig is the tag written last to every processed resource.
type MarkerConfig struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// ParametersConfig holds the SSM parameter tree root.
type ParametersConfig struct {
	Prefix string `toml:"prefix"`
}

// EngineConfig holds run settings.
type EngineConfig struct {
	MappingConcurrency int    `toml:"mapping_concurrency"`
	TimeoutStr         string `toml:"timeout"`
	Timeout            time.Duration
	DryRun             bool `toml:"dry_run"`
}

// ScheduleConfig holds daemon scheduling settings. Cron wins over Interval.
type ScheduleConfig struct {
	IntervalStr string `toml:"interval"`
	Interval    time.Duration
	Cron        string `toml:"cron"`
}

// LedgerConfig holds the run history database location. Empty disables it.
type LedgerConfig struct {
	Path     string `toml:"path"`
	KeepRuns int64  `toml:"keep_runs"` // 0 keeps every run
}

// PolicyConfig holds the optional Rego tag gate. Empty disables it.
type PolicyConfig struct {
	Path string `toml:"path"`
}

// ServerConfig holds the metrics listener address. Empty disables it.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	Prometheus bool `toml:"prometheus"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, for callers
// that have no config file (the Lambda entrypoint).
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	// defaults always parse
	_ = parseDurations(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Mapping.Source == "" {
		cfg.Mapping.Source = MappingSourceFile
	}
	if cfg.Mapping.Key == "" {
		cfg.Mapping.Key = "mapping.json"
	}
	if cfg.Mapping.Source == MappingSourceFile && cfg.Mapping.Path == "" {
		cfg.Mapping.Path = "mapping.yaml"
	}
	if cfg.Discovery.Backend == "" {
		cfg.Discovery.Backend = DiscoveryResourceExplorer
	}
	if cfg.Discovery.MaxResults == 0 {
		cfg.Discovery.MaxResults = 1000
	}
	if cfg.Events.WindowStr == "" {
		cfg.Events.WindowStr = "240h"
	}
	if cfg.Events.MaxResults == 0 {
		cfg.Events.MaxResults = 1000
	}
	if cfg.Marker.Key == "" {
		cfg.Marker.Key = "blog"
	}
	if cfg.Marker.Value == "" {
		cfg.Marker.Value = "ResourceAutoTagEnhanced"
	}
	if cfg.Parameters.Prefix == "" {
		cfg.Parameters.Prefix = "/auto-tag"
	}
	if cfg.Engine.MappingConcurrency == 0 {
		cfg.Engine.MappingConcurrency = 1
	}
	if cfg.Engine.TimeoutStr == "" {
		cfg.Engine.TimeoutStr = "5m"
	}
	if cfg.Schedule.IntervalStr == "" {
		cfg.Schedule.IntervalStr = "30m"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "autotag"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Events.Window, err = parseDuration("events.window", cfg.Events.WindowStr); err != nil {
		return err
	}
	if cfg.Engine.Timeout, err = parseDuration("engine.timeout", cfg.Engine.TimeoutStr); err != nil {
		return err
	}
	if cfg.Schedule.Interval, err = parseDuration("schedule.interval", cfg.Schedule.IntervalStr); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}

// ApplyEnv overlays environment variables on the configuration. The
// tableName and bucketName variables select the DynamoDB or S3 mapping store
// the way the legacy Lambda deployment wires them.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("bucketName"); v != "" {
		c.Mapping.Source = MappingSourceS3
		c.Mapping.Bucket = v
	}
	if v := getenv("tableName"); v != "" {
		c.Mapping.Source = MappingSourceDynamoDB
		c.Mapping.Table = v
	}

	set(&c.AWS.Region, "AUTOTAG_REGION")
	set(&c.AWS.Profile, "AUTOTAG_PROFILE")
	set(&c.Mapping.Source, "AUTOTAG_MAPPING_SOURCE")
	set(&c.Mapping.Bucket, "AUTOTAG_MAPPING_BUCKET")
	set(&c.Mapping.Key, "AUTOTAG_MAPPING_KEY")
	set(&c.Mapping.Table, "AUTOTAG_MAPPING_TABLE")
	set(&c.Mapping.Path, "AUTOTAG_MAPPING_PATH")
	set(&c.Discovery.Backend, "AUTOTAG_DISCOVERY_BACKEND")
	set(&c.Discovery.ViewARN, "AUTOTAG_VIEW_ARN")
	set(&c.Marker.Key, "AUTOTAG_MARKER_KEY")
	set(&c.Marker.Value, "AUTOTAG_MARKER_VALUE")
	set(&c.Parameters.Prefix, "AUTOTAG_PARAMETER_PREFIX")
	set(&c.Ledger.Path, "AUTOTAG_LEDGER_PATH")
	set(&c.Policy.Path, "AUTOTAG_POLICY_PATH")
	set(&c.Log.Level, "AUTOTAG_LOG_LEVEL")

	if v := getenv("AUTOTAG_EVENT_WINDOW"); v != "" {
		d, err := parseDuration("AUTOTAG_EVENT_WINDOW", v)
		if err != nil {
			return err
		}
		c.Events.WindowStr, c.Events.Window = v, d
	}
	if v := getenv("AUTOTAG_EVENT_MAX_RESULTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AUTOTAG_EVENT_MAX_RESULTS %q: %w", v, err)
		}
		c.Events.MaxResults = n
	}
	if v := getenv("AUTOTAG_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse AUTOTAG_DRY_RUN %q: %w", v, err)
		}
		c.Engine.DryRun = b
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mapping.Source {
	case MappingSourceFile:
		if c.Mapping.Path == "" {
			return fmt.Errorf("mapping: path required for file source")
		}
	case MappingSourceS3:
		if c.Mapping.Bucket == "" {
			return fmt.Errorf("mapping: bucket required for s3 source")
		}
	case MappingSourceDynamoDB:
		if c.Mapping.Table == "" {
			return fmt.Errorf("mapping: table required for dynamodb source")
		}
	default:
		return fmt.Errorf("mapping: unknown source %q", c.Mapping.Source)
	}

	switch c.Discovery.Backend {
	case DiscoveryResourceExplorer, DiscoveryNative:
	default:
		return fmt.Errorf("discovery: unknown backend %q", c.Discovery.Backend)
	}

	if c.Events.Window <= 0 {
		return fmt.Errorf("events: window must be positive (got %s)", c.Events.Window)
	}
	if c.Events.MaxResults <= 0 {
		return fmt.Errorf("events: max_results must be positive (got %d)", c.Events.MaxResults)
	}
	if c.Marker.Key == "" {
		return fmt.Errorf("marker: key required")
	}
	if c.Ledger.KeepRuns < 0 {
		return fmt.Errorf("ledger: keep_runs must not be negative (got %d)", c.Ledger.KeepRuns)
	}
	if c.Engine.MappingConcurrency < 1 {
		return fmt.Errorf("engine: mapping_concurrency must be at least 1 (got %d)", c.Engine.MappingConcurrency)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
