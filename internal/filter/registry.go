package filter

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry holds filter descriptors in registration order. It is filled at
// startup and frozen before any session uses it; reads need no locking
// afterwards.
type Registry struct {
	mu     sync.Mutex
	descs  []*Descriptor
	byName map[string]*Descriptor
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return NewError(CodeBadParameter, "descriptor needs a name", nil)
	}
	if d.New == nil {
		return NewError(CodeBadParameter, fmt.Sprintf("descriptor %q has no factory", d.Name), nil)
	}
	if strings.ContainsAny(d.Name, " :/") {
		return NewError(CodeBadParameter, fmt.Sprintf("invalid filter name %q", d.Name), nil)
	}
	for _, a := range d.Args {
		if a.Name == "" {
			return NewError(CodeBadParameter, fmt.Sprintf("descriptor %q has an unnamed argument", d.Name), nil)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return NewError(CodeUnsupported, "registry is frozen", nil)
	}
	if _, exists := r.byName[d.Name]; exists {
		return NewError(CodeBadParameter, fmt.Sprintf("filter %q already registered", d.Name), nil)
	}
	if d.Thread == "" {
		d.Thread = ThreadAny
	}
	d.index = len(r.descs)
	r.descs = append(r.descs, d)
	r.byName[d.Name] = d
	return nil
}

// MustRegister registers descriptors and panics on error. Meant for init code.
func (r *Registry) MustRegister(descs ...*Descriptor) {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Freeze forbids further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the descriptor named name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.Lock()
	d, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("filter %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// All returns descriptors in registration order.
func (r *Registry) All() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.descs)
}

// Ranked returns descriptors by priority, highest first, then registration order.
func (r *Registry) Ranked() []*Descriptor {
	out := r.All()
	slices.SortStableFunc(out, func(a, b *Descriptor) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})
	return out
}

// ProbeResult is the outcome of probing one source type.
type ProbeResult struct {
	Descriptor *Descriptor
	Score      ProbeScore
}

// ErrNoSource is returned when no registered source accepts a URL.
var ErrNoSource = errors.New("no source filter supports url")

// Probe scores every descriptor with a probe function for url and returns
// the best one. Ties go to priority, then registration order.
func (r *Registry) Probe(url, mime string) (*Descriptor, ProbeScore, error) {
	var best *Descriptor
	bestScore := ProbeNotSupported
	for _, d := range r.Ranked() {
		if d.Probe == nil {
			continue
		}
		if score := d.Probe(url, mime); score > bestScore {
			best, bestScore = d, score
		}
	}
	if best == nil {
		return nil, ProbeNotSupported, fmt.Errorf("%w: %s", ErrNoSource, url)
	}
	return best, bestScore, nil
}
