package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smazurov/mediagraph/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultOptions(path string) *Options {
	return &Options{
		Config:        path,
		Port:          ":8090",
		GraphFile:     "graph.toml",
		GraphWatch:    true,
		StatsInterval: "1s",
		LoggingLevel:  "info",
		LoggingFormat: "text",
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOptionsLoadEngineAndGraph(t *testing.T) {
	path := writeConfig(t, `
[server]
cors_origins = ["http://inspector.local", "http://localhost:5173"]

[engine]
workers = 4
main_thread = true
pid_buffer_units = 8
worker = 2

[graph]
file = "/etc/mediagraph/cameras.toml"
watch = false

[logging]
resolve = "debug"
`)
	t.Setenv(config.EnvPrefix+"ENGINE_MAX_CHAIN", "3")

	opts := defaultOptions(path)
	report, err := config.Load(opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, opts.EngineWorkers)
	assert.True(t, opts.EngineMainThread)
	assert.Equal(t, 8, opts.EnginePidBufferUnits)
	assert.Equal(t, 3, opts.EngineMaxChain)
	assert.Equal(t, "/etc/mediagraph/cameras.toml", opts.GraphFile)
	assert.False(t, opts.GraphWatch)
	assert.Equal(t, []string{"http://inspector.local", "http://localhost:5173"}, opts.corsOrigins())

	assert.Equal(t, config.SourceFile, report.Sources["engine.workers"])
	assert.Equal(t, config.SourceEnv, report.Sources["engine.max_chain"])
	assert.Equal(t, config.SourceDefault, report.Sources["engine.pid_buffer_us"])
	assert.Equal(t, []string{"engine.worker"}, report.Unknown)
}

func TestOptionsValidate(t *testing.T) {
	path := writeConfig(t, `
[engine]
workers = -1

[graph]
file = ""

[obs]
stats_interval = "never"
`)
	_, err := config.Load(defaultOptions(path), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.workers must not be negative")
	assert.Contains(t, err.Error(), "graph.watch needs graph.file")
	assert.Contains(t, err.Error(), "obs.stats_interval")

	require.NoError(t, defaultOptions("").Validate())
}

func TestCORSOriginsEmptyAllowsAny(t *testing.T) {
	opts := defaultOptions("")
	assert.Empty(t, opts.corsOrigins())
	opts.CORSOrigins = " http://a.local ,, http://b.local"
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, opts.corsOrigins())
}
