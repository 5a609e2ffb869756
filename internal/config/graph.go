package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Reserved argument names of the textual graph syntax.
const (
	argFilterID = "FID"
	argSources  = "SID"
)

// FilterSpec declares one filter instance of a graph.
type FilterSpec struct {
	ID      string            `toml:"id,omitempty" json:"id,omitempty"`
	Name    string            `toml:"name" json:"name"`
	Args    map[string]string `toml:"args,omitempty" json:"args,omitempty"`
	Sources []string          `toml:"sources,omitempty" json:"sources,omitempty"`
}

// Label returns the ID of the filter, or its name when it has none.
func (f FilterSpec) Label() string {
	if f.ID != "" {
		return f.ID
	}
	return f.Name
}

// Graph is a list of filters loaded in order. Connections are not declared:
// the session links pids to the filters able to consume them, optionally
// restricted by Sources.
type Graph struct {
	Version int          `toml:"version" json:"version"`
	Filters []FilterSpec `toml:"filter" json:"filters"`
}

// Validate checks that names are set, IDs are unique and every source names
// a filter declared before.
func (g *Graph) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, f := range g.Filters {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("filter %d: missing name", i))
			continue
		}
		for _, src := range f.Sources {
			if !seen[src] {
				errs = append(errs, fmt.Errorf("filter %s: source %q is not declared before it", f.Label(), src))
			}
		}
		if f.ID == "" {
			continue
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Errorf("filter %s: duplicate id", f.ID))
		}
		seen[f.ID] = true
	}
	return errors.Join(errs...)
}

// LoadGraph reads a graph file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph: %w", err)
	}
	g := &Graph{}
	if err := toml.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	if g.Version == 0 {
		g.Version = 1
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Save writes the graph to path.
func (g *Graph) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create graph directory: %w", err)
	}
	data, err := toml.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write graph: %w", err)
	}
	return nil
}

// ParseGraph builds a graph from command line words, one filter per word:
//
//	name[:arg=value[:arg=value...]]
//
// FID=x sets the instance ID and SID=a,b restricts its sources.
func ParseGraph(words []string) (*Graph, error) {
	g := &Graph{Version: 1}
	for _, w := range words {
		f, err := parseFilter(w)
		if err != nil {
			return nil, err
		}
		g.Filters = append(g.Filters, f)
	}
	if len(g.Filters) == 0 {
		return nil, errors.New("empty graph")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func parseFilter(word string) (FilterSpec, error) {
	name, rest, _ := strings.Cut(word, ":")
	if name == "" {
		return FilterSpec{}, fmt.Errorf("invalid filter %q: missing name", word)
	}
	f := FilterSpec{Name: name}
	if rest == "" {
		return f, nil
	}
	for kv := range strings.SplitSeq(rest, ":") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return FilterSpec{}, fmt.Errorf("invalid argument %q in %q", kv, word)
		}
		switch k {
		case argFilterID:
			f.ID = v
		case argSources:
			for src := range strings.SplitSeq(v, ",") {
				if src = strings.TrimSpace(src); src != "" && !slices.Contains(f.Sources, src) {
					f.Sources = append(f.Sources, src)
				}
			}
		default:
			if f.Args == nil {
				f.Args = make(map[string]string)
			}
			f.Args[k] = v
		}
	}
	return f, nil
}
