package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/smazurov/mediagraph/internal/config"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(io.Discard)
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFiltersCmd(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{name: "list", want: []string{"NAME", "testsrc", "source", "rtppay", "filter,explicit", "fout", "sink,explicit"}},
		{name: "describe", args: []string{"testsrc"}, want: []string{"testsrc:", "Arguments:", "count", "updatable", "Capabilities:", "bundle 1:"}},
		{name: "unknown", args: []string{"nope"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, CreateFiltersCmd(), tt.args...)
			if tt.wantErr {
				assert.ErrorIs(t, err, filter.ErrNotFound)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestProbeCmd(t *testing.T) {
	out, err := execute(t, CreateProbeCmd(), "exec://date")
	require.NoError(t, err)
	assert.Equal(t, "exec://date\texecin\tsupported\n", out)

	_, err = execute(t, CreateProbeCmd(), "rtsp://camera/stream")
	assert.ErrorIs(t, err, filter.ErrNoSource)
}

func TestRunCmdWords(t *testing.T) {
	out, err := execute(t, CreateRunCmd(), "--stats", "--log-level", "error",
		"testsrc:FID=src:count=3", "inspect:FID=sink:SID=src")
	require.NoError(t, err)

	var st filter.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Len(t, st.Instances, 2)
	require.Len(t, st.Instances[0].Outputs, 1)
	assert.Equal(t, uint64(3), st.Instances[0].Outputs[0].PacketsSent)
	assert.Empty(t, st.Error)
}

func TestRunCmdGraphFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	g := &config.Graph{Version: 1, Filters: []config.FilterSpec{
		{ID: "src", Name: "testsrc", Args: map[string]string{"count": "2", "unframed": "true", "frag": "100"}},
		{ID: "sink", Name: "inspect", Sources: []string{"src"}},
	}}
	require.NoError(t, g.Save(path))

	out, err := execute(t, CreateRunCmd(), "--stats", "--log-level", "error", path)
	require.NoError(t, err)

	var st filter.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	var names []string
	for _, inst := range st.Instances {
		names = append(names, inst.Filter)
	}
	assert.Contains(t, names, "reframer")
}

func TestRunCmdReportsFailure(t *testing.T) {
	_, err := execute(t, CreateRunCmd(), "--log-level", "error", "testsrc", "rtpdepay")
	assert.ErrorIs(t, err, filter.ErrCapabilityMismatch)
}

func TestRunCmdInvalidGraph(t *testing.T) {
	_, err := execute(t, CreateRunCmd(), "--log-level", "error", "inspect:SID=missing")
	assert.Error(t, err)
}

func TestApplyGraphArgs(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	sess := NewSession(reg, EngineOptions{Workers: 2}, nil, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	})

	g := &config.Graph{Version: 1, Filters: []config.FilterSpec{
		{ID: "src", Name: "testsrc", Args: map[string]string{"count": "3"}},
		{ID: "sink", Name: "inspect", Sources: []string{"src"}},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sess.Build(ctx, g))
	require.NoError(t, sess.Run(ctx))

	reloaded := &config.Graph{Version: 1, Filters: []config.FilterSpec{
		{ID: "src", Name: "testsrc", Args: map[string]string{"count": "5", "realtime": "true"}},
		{ID: "sink", Name: "inspect", Sources: []string{"src"}},
		{ID: "extra", Name: "inspect"},
	}}
	assert.Equal(t, 1, ApplyGraphArgs(ctx, sess, reloaded, discardLogger()))

	src, ok := sess.Instance("src")
	require.True(t, ok)
	assert.Equal(t, "true", src.Args()["realtime"])
	assert.Equal(t, "3", src.Args()["count"])

	// Unchanged values are not reapplied
	assert.Equal(t, 0, ApplyGraphArgs(ctx, sess, reloaded, discardLogger()))
}
