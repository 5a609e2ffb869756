package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineOptions mirrors the shape of the server options: engine tunables,
// the graph file and a few observability settings.
type engineOptions struct {
	Config string

	EngineWorkers     int           `toml:"engine.workers" env:"TEST_ENGINE_WORKERS"`
	EngineAutoConnect bool          `toml:"engine.auto_connect" env:"TEST_ENGINE_AUTO_CONNECT"`
	EngineIdleTimeout time.Duration `toml:"engine.idle_timeout" env:"TEST_ENGINE_IDLE_TIMEOUT"`
	GraphFile         string        `toml:"graph.file" env:"TEST_GRAPH_FILE"`
	GraphFilters      []string      `toml:"graph.filters" env:"TEST_GRAPH_FILTERS"`
	ServerOrigins     string        `toml:"server.cors_origins" env:"TEST_SERVER_CORS_ORIGINS"`
	ObsSampleRate     float64       `toml:"obs.sample_rate" env:"TEST_OBS_SAMPLE_RATE"`
	LoggingLevel      string        `toml:"logging.level" env:"TEST_LOGGING_LEVEL"`
}

type checkedOptions struct {
	Config        string
	EngineWorkers int `toml:"engine.workers"`
}

func (o *checkedOptions) Validate() error {
	if o.EngineWorkers < 0 {
		return assert.AnError
	}
	return nil
}

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const engineTOML = `
[engine]
workers = 6
auto_connect = true
idle_timeout = "250ms"

[graph]
file = "cameras.toml"
filters = ["rtpin", "reframer"]

[server]
cors_origins = ["http://a.local", "http://b.local"]

[obs]
sample_rate = 0.5

[logging]
level = "debug"
resolve = "warn"
`

func TestLoadEngineKeysFromFile(t *testing.T) {
	opts := &engineOptions{Config: writeTOML(t, engineTOML)}
	report, err := Load(opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 6, opts.EngineWorkers)
	assert.True(t, opts.EngineAutoConnect)
	assert.Equal(t, 250*time.Millisecond, opts.EngineIdleTimeout)
	assert.Equal(t, "cameras.toml", opts.GraphFile)
	assert.Equal(t, []string{"rtpin", "reframer"}, opts.GraphFilters)
	assert.Equal(t, "http://a.local,http://b.local", opts.ServerOrigins)
	assert.InDelta(t, 0.5, opts.ObsSampleRate, 1e-9)
	assert.Equal(t, "debug", opts.LoggingLevel)

	assert.Equal(t, SourceFile, report.Sources["engine.workers"])
	assert.Empty(t, report.Unknown, "module log levels live in a free table")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvPrefix+"TEST_ENGINE_WORKERS", "2")
	t.Setenv(EnvPrefix+"TEST_ENGINE_IDLE_TIMEOUT", "3s")
	t.Setenv(EnvPrefix+"TEST_GRAPH_FILTERS", " fin , inspect ")

	opts := &engineOptions{Config: writeTOML(t, engineTOML)}
	report, err := Load(opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, opts.EngineWorkers)
	assert.Equal(t, 3*time.Second, opts.EngineIdleTimeout)
	assert.Equal(t, []string{"fin", "inspect"}, opts.GraphFilters)
	assert.Equal(t, "cameras.toml", opts.GraphFile)
	assert.Equal(t, SourceEnv, report.Sources["engine.workers"])
	assert.Equal(t, SourceFile, report.Sources["graph.file"])
}

func TestLoadKeepsChangedFlags(t *testing.T) {
	t.Setenv(EnvPrefix+"TEST_GRAPH_FILE", "env.toml")
	opts := &engineOptions{Config: writeTOML(t, engineTOML)}

	cmd := &cobra.Command{Use: "mediagraph"}
	cmd.Flags().IntVar(&opts.EngineWorkers, "engine-workers", 0, "")
	cmd.Flags().StringVar(&opts.GraphFile, "graph-file", "graph.toml", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--engine-workers=9", "--graph-file=cli.toml"}))

	report, err := Load(opts, cmd)
	require.NoError(t, err)
	assert.Equal(t, 9, opts.EngineWorkers)
	assert.Equal(t, "cli.toml", opts.GraphFile)
	assert.Equal(t, SourceFlag, report.Sources["engine.workers"])
	assert.Equal(t, SourceFlag, report.Sources["graph.file"])
}

func TestLoadReportsUnknownKeys(t *testing.T) {
	opts := &engineOptions{Config: writeTOML(t, `
[engine]
workers = 1
worker_count = 4

[graph]
watch_file = true

[logging]
sched = "debug"
`)}
	report, err := Load(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"engine.worker_count", "graph.watch_file"}, report.Unknown)
	assert.Equal(t, SourceDefault, report.Sources["obs.sample_rate"])
}

func TestLoadRunsValidator(t *testing.T) {
	opts := &checkedOptions{Config: writeTOML(t, "[engine]\nworkers = -2\n")}
	_, err := Load(opts, nil)
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadMissingFile(t *testing.T) {
	opts := &engineOptions{Config: filepath.Join(t.TempDir(), "absent.toml"), GraphFile: "graph.toml"}
	report, err := Load(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, "graph.toml", opts.GraphFile)
	assert.Empty(t, report.Unknown)
}

func TestLoadInvalidTOML(t *testing.T) {
	opts := &engineOptions{Config: writeTOML(t, "[engine\nworkers = ")}
	_, err := Load(opts, nil)
	require.Error(t, err)
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"engine": map[string]any{
			"sched": map[string]any{"workers": int64(4)},
			"main":  true,
		},
		"graph": "graph.toml",
	}

	tests := []struct {
		path string
		want any
	}{
		{"graph", "graph.toml"},
		{"engine.main", true},
		{"engine.sched.workers", int64(4)},
		{"engine.missing", nil},
		{"graph.file", nil},
		{"absent", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getNestedValue(data, tt.path), tt.path)
	}
}

func TestSetFieldConversions(t *testing.T) {
	var opts engineOptions
	v := reflect.ValueOf(&opts).Elem()

	setFieldValue(v.FieldByName("EngineWorkers"), int64(12))
	setFieldValue(v.FieldByName("EngineIdleTimeout"), "1m")
	setFieldValue(v.FieldByName("ObsSampleRate"), int64(2))
	setFieldValue(v.FieldByName("ServerOrigins"), []any{"x", 3, "y"})
	assert.Equal(t, 12, opts.EngineWorkers)
	assert.Equal(t, time.Minute, opts.EngineIdleTimeout)
	assert.InDelta(t, 2.0, opts.ObsSampleRate, 1e-9)
	assert.Equal(t, "x,y", opts.ServerOrigins)

	// Values of the wrong type are ignored
	setFieldValue(v.FieldByName("EngineWorkers"), "many")
	setFieldValueFromString(v.FieldByName("EngineIdleTimeout"), "soon")
	setFieldValueFromString(v.FieldByName("EngineAutoConnect"), "maybe")
	assert.Equal(t, 12, opts.EngineWorkers)
	assert.Equal(t, time.Minute, opts.EngineIdleTimeout)
	assert.False(t, opts.EngineAutoConnect)

	setFieldValueFromString(v.FieldByName("EngineAutoConnect"), "true")
	setFieldValueFromString(v.FieldByName("ObsSampleRate"), "0.25")
	assert.True(t, opts.EngineAutoConnect)
	assert.InDelta(t, 0.25, opts.ObsSampleRate, 1e-9)
}

func TestLoadLoggingModuleLevels(t *testing.T) {
	path := writeTOML(t, `
[engine]
workers = 2

[logging]
level = "warn"
format = "json"
session = "debug"
resolve = "error"
`)
	cfg := LoadLoggingConfig(path)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, map[string]string{"session": "debug", "resolve": "error"}, cfg.Modules)

	fallback := LoadLoggingConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Equal(t, "info", fallback.Level)
	assert.Empty(t, fallback.Modules)
}
