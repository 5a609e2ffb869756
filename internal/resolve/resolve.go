// Package resolve finds chains of filter types bridging a pid's capabilities
// to a consumer.
//
// Resolution walks the registry as a capability graph with iterative
// deepening, so the shortest chain wins. Candidates at each step are taken
// by priority, then registration order, which makes results reproducible
// for a given registry. A filter type appears at most once on a chain.
package resolve

import (
	"fmt"
	"log/slog"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/logging"
	"github.com/smazurov/mediagraph/internal/metrics"
)

// DefaultMaxChain bounds the number of filters on a resolved chain, the
// consumer included.
const DefaultMaxChain = 4

// Resolver searches a registry. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	reg      *filter.Registry
	maxChain int
	logger   *slog.Logger
}

// New creates a resolver over reg. maxChain <= 0 selects DefaultMaxChain.
func New(reg *filter.Registry, maxChain int) *Resolver {
	if maxChain <= 0 {
		maxChain = DefaultMaxChain
	}
	return &Resolver{reg: reg, maxChain: maxChain, logger: logging.GetLogger("resolve")}
}

// MaxChain returns the chain length bound.
func (r *Resolver) MaxChain() int { return r.maxChain }

// ResolveTo returns the adapters to insert between a pid carrying s and
// target. An empty chain means target accepts s directly.
func (r *Resolver) ResolveTo(s caps.Set, target *filter.Descriptor) ([]*filter.Descriptor, error) {
	if target == nil {
		return nil, filter.NewError(filter.CodeBadParameter, "resolve needs a target", nil)
	}
	if _, ok := target.Caps.Match(s); ok {
		return nil, nil
	}
	accept := func(o caps.Set) bool {
		_, ok := target.Caps.Match(o)
		return ok
	}
	candidates := r.adapters()
	for depth := 1; depth < r.maxChain; depth++ {
		visited := map[string]bool{target.Name: true}
		if chain := r.search(candidates, s, depth, visited, nil, accept); chain != nil {
			r.logger.Debug("Resolved adapter chain", "target", target.Name, "chain", names(chain))
			return chain, nil
		}
	}
	metrics.IncrementResolutions("failed")
	return nil, fmt.Errorf("no chain to %s within %d filters for %s: %w", target.Name, r.maxChain, s, filter.ErrCapabilityMismatch)
}

// ResolveAny returns the shortest chain from s to a sink type, the sink last.
func (r *Resolver) ResolveAny(s caps.Set) ([]*filter.Descriptor, error) {
	var sinks []*filter.Descriptor
	for _, d := range r.reg.Ranked() {
		if !d.Explicit && d.IsSink() && d.Caps.AcceptsInputs() {
			sinks = append(sinks, d)
		}
	}
	candidates := r.adapters()
	for depth := 1; depth <= r.maxChain; depth++ {
		for _, sink := range sinks {
			accept := func(o caps.Set) bool {
				_, ok := sink.Caps.Match(o)
				return ok
			}
			if depth == 1 {
				if accept(s) {
					return []*filter.Descriptor{sink}, nil
				}
				continue
			}
			visited := map[string]bool{sink.Name: true}
			if chain := r.search(candidates, s, depth-1, visited, nil, accept); chain != nil {
				r.logger.Debug("Resolved sink chain", "sink", sink.Name, "chain", names(chain))
				return append(chain, sink), nil
			}
		}
	}
	metrics.IncrementResolutions("failed")
	return nil, fmt.Errorf("no sink within %d filters for %s: %w", r.maxChain, s, filter.ErrCapabilityMismatch)
}

// adapters lists the types usable in the middle of a chain, ranked.
func (r *Resolver) adapters() []*filter.Descriptor {
	var out []*filter.Descriptor
	for _, d := range r.reg.Ranked() {
		if d.Explicit || d.IsSource() || d.IsSink() {
			continue
		}
		out = append(out, d)
	}
	return out
}

// search looks for exactly depth adapters turning s into a set accept takes.
func (r *Resolver) search(candidates []*filter.Descriptor, s caps.Set, depth int, visited map[string]bool, path []*filter.Descriptor, accept func(caps.Set) bool) []*filter.Descriptor {
	for _, d := range candidates {
		if visited[d.Name] {
			continue
		}
		outs := d.Caps.Outputs(s)
		if len(outs) == 0 {
			continue
		}
		visited[d.Name] = true
		next := append(path[:len(path):len(path)], d)
		for _, o := range outs {
			if depth == 1 {
				if accept(o) {
					return next
				}
				continue
			}
			if chain := r.search(candidates, o, depth-1, visited, next, accept); chain != nil {
				return chain
			}
		}
		delete(visited, d.Name)
	}
	return nil
}

func names(chain []*filter.Descriptor) []string {
	out := make([]string, len(chain))
	for i, d := range chain {
		out[i] = d.Name
	}
	return out
}
