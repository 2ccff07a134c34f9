package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[aws]
region = "eu-west-1"
profile = "production"

[mapping]
source = "dynamodb"
table = "autotag-mapping"

[discovery]
backend = "native"
max_results = 500
exclude_types = ["iam:role"]

[events]
window = "48h"
max_results = 200

[marker]
key = "autotag"
value = "done"

[parameters]
prefix = "/tags"

[engine]
mapping_concurrency = 4
timeout = "10m"

[schedule]
interval = "15m"
cron = "0 * * * *"

[ledger]
path = "/var/lib/autotag/ledger.db"
keep_runs = 500

[policy]
path = "/etc/autotag/gate.rego"

[metrics]
addr = ":9090"

[otel]
endpoint = "localhost:4317"
insecure = true
service_name = "autotag-prod"

[otel.traces]
enabled = true
sample_rate = 0.5

[otel.metrics]
enabled = true
prometheus = true

[log]
level = "debug"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "production", cfg.AWS.Profile)
	assert.Equal(t, MappingSourceDynamoDB, cfg.Mapping.Source)
	assert.Equal(t, "autotag-mapping", cfg.Mapping.Table)
	assert.Equal(t, DiscoveryNative, cfg.Discovery.Backend)
	assert.Equal(t, 500, cfg.Discovery.MaxResults)
	assert.Equal(t, []string{"iam:role"}, cfg.Discovery.ExcludeTypes)
	assert.Equal(t, 48*time.Hour, cfg.Events.Window)
	assert.Equal(t, 200, cfg.Events.MaxResults)
	assert.Equal(t, "autotag", cfg.Marker.Key)
	assert.Equal(t, "done", cfg.Marker.Value)
	assert.Equal(t, "/tags", cfg.Parameters.Prefix)
	assert.Equal(t, 4, cfg.Engine.MappingConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.Engine.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, "0 * * * *", cfg.Schedule.Cron)
	assert.Equal(t, "/var/lib/autotag/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, int64(500), cfg.Ledger.KeepRuns)
	assert.Equal(t, "/etc/autotag/gate.rego", cfg.Policy.Path)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "autotag-prod", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Prometheus)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, MappingSourceFile, cfg.Mapping.Source)
	assert.Equal(t, "mapping.yaml", cfg.Mapping.Path)
	assert.Equal(t, "mapping.json", cfg.Mapping.Key)
	assert.Equal(t, DiscoveryResourceExplorer, cfg.Discovery.Backend)
	assert.Equal(t, 1000, cfg.Discovery.MaxResults)
	assert.Equal(t, 14400*time.Minute, cfg.Events.Window)
	assert.Equal(t, 1000, cfg.Events.MaxResults)
	assert.Equal(t, "blog", cfg.Marker.Key)
	assert.Equal(t, "ResourceAutoTagEnhanced", cfg.Marker.Value)
	assert.Equal(t, "/auto-tag", cfg.Parameters.Prefix)
	assert.Equal(t, 1, cfg.Engine.MappingConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Engine.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, "autotag", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestDefault_MatchesEmptyFile(t *testing.T) {
	path := writeTempConfig(t, "")
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, loaded, Default())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	content := `
[aws
region = "us-east-1"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{name: "events window", content: "[events]\nwindow = \"ten days\"\n", field: "events.window"},
		{name: "engine timeout", content: "[engine]\ntimeout = \"soon\"\n", field: "engine.timeout"},
		{name: "schedule interval", content: "[schedule]\ninterval = \"often\"\n", field: "schedule.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"tableName":                 "AutoTagMapping",
		"AUTOTAG_REGION":            "ap-southeast-2",
		"AUTOTAG_MARKER_KEY":        "tagged-by",
		"AUTOTAG_EVENT_WINDOW":      "24h",
		"AUTOTAG_EVENT_MAX_RESULTS": "50",
		"AUTOTAG_DRY_RUN":           "true",
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, MappingSourceDynamoDB, cfg.Mapping.Source)
	assert.Equal(t, "AutoTagMapping", cfg.Mapping.Table)
	assert.Equal(t, "ap-southeast-2", cfg.AWS.Region)
	assert.Equal(t, "tagged-by", cfg.Marker.Key)
	assert.Equal(t, "ResourceAutoTagEnhanced", cfg.Marker.Value)
	assert.Equal(t, 24*time.Hour, cfg.Events.Window)
	assert.Equal(t, 50, cfg.Events.MaxResults)
	assert.True(t, cfg.Engine.DryRun)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ApplyEnv_Bucket(t *testing.T) {
	env := map[string]string{"bucketName": "autotag-config"}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, MappingSourceS3, cfg.Mapping.Source)
	assert.Equal(t, "autotag-config", cfg.Mapping.Bucket)
	assert.Equal(t, "mapping.json", cfg.Mapping.Key)
}

func TestConfig_ApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "window", env: map[string]string{"AUTOTAG_EVENT_WINDOW": "forever"}},
		{name: "max results", env: map[string]string{"AUTOTAG_EVENT_MAX_RESULTS": "many"}},
		{name: "dry run", env: map[string]string{"AUTOTAG_DRY_RUN": "perhaps"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(func(k string) string { return tt.env[k] })
			require.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Mapping.Source = MappingSourceS3 }, wantErr: "bucket required"},
		{name: "dynamodb without table", mutate: func(c *Config) { c.Mapping.Source = MappingSourceDynamoDB }, wantErr: "table required"},
		{name: "file without path", mutate: func(c *Config) { c.Mapping.Path = "" }, wantErr: "path required"},
		{name: "unknown source", mutate: func(c *Config) { c.Mapping.Source = "consul" }, wantErr: "unknown source"},
		{name: "unknown backend", mutate: func(c *Config) { c.Discovery.Backend = "config" }, wantErr: "unknown backend"},
		{name: "zero window", mutate: func(c *Config) { c.Events.Window = 0 }, wantErr: "window must be positive"},
		{name: "zero max results", mutate: func(c *Config) { c.Events.MaxResults = 0 }, wantErr: "max_results must be positive"},
		{name: "empty marker", mutate: func(c *Config) { c.Marker.Key = "" }, wantErr: "marker: key required"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Engine.MappingConcurrency = 0 }, wantErr: "mapping_concurrency"},
		{name: "negative keep runs", mutate: func(c *Config) { c.Ledger.KeepRuns = -1 }, wantErr: "keep_runs"},
		{name: "sample rate", mutate: func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
