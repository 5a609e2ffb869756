package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseGraph(t *testing.T) {
	g, err := ParseGraph([]string{
		"testsrc:FID=src:frames=10:size=128",
		"reframer:SID=src",
		"inspect:FID=sink:SID=src, src",
	})
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}

	want := []FilterSpec{
		{ID: "src", Name: "testsrc", Args: map[string]string{"frames": "10", "size": "128"}},
		{Name: "reframer", Sources: []string{"src"}},
		{ID: "sink", Name: "inspect", Sources: []string{"src"}},
	}
	if !reflect.DeepEqual(g.Filters, want) {
		t.Errorf("got %+v\nwant %+v", g.Filters, want)
	}
}

func TestParseGraphErrors(t *testing.T) {
	tests := []struct {
		name  string
		words []string
		want  string
	}{
		{"empty", nil, "empty graph"},
		{"missing name", []string{":a=b"}, "missing name"},
		{"bad argument", []string{"testsrc:frames"}, "invalid argument"},
		{"unknown source", []string{"inspect:SID=src"}, "not declared"},
		{"forward source", []string{"inspect:SID=src", "testsrc:FID=src"}, "not declared"},
		{"duplicate id", []string{"testsrc:FID=a", "testsrc:FID=a"}, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGraph(tt.words)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestGraphSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "graph.toml")
	g := &Graph{
		Version: 1,
		Filters: []FilterSpec{
			{ID: "src", Name: "testsrc", Args: map[string]string{"frames": "5"}},
			{Name: "inspect", Sources: []string{"src"}},
		},
	}
	if err := g.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadGraph(path)
	if err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, g) {
		t.Errorf("got %+v, want %+v", loaded, g)
	}
}

func TestLoadGraphFile(t *testing.T) {
	content := `
[[filter]]
id = "src"
name = "testsrc"
[filter.args]
frames = "3"

[[filter]]
name = "inspect"
`
	path := filepath.Join(t.TempDir(), "graph.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := LoadGraph(path)
	if err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}
	if g.Version != 1 {
		t.Errorf("Version = %d, want 1", g.Version)
	}
	if len(g.Filters) != 2 || g.Filters[0].Args["frames"] != "3" || g.Filters[1].Label() != "inspect" {
		t.Errorf("unexpected filters %+v", g.Filters)
	}
}

func TestLoadGraphMissingFile(t *testing.T) {
	if _, err := LoadGraph(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
