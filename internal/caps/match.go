package caps

import (
	"slices"
	"strings"

	"github.com/smazurov/mediagraph/internal/props"
)

// Set is a capability set: for each property, the values a stream may carry.
// A concrete pid maps every key to exactly one value; the output of a filter
// type may leave several candidates open.
type Set map[props.Key][]props.Value

// FromBag builds a concrete set from a property bag.
func FromBag(b *props.Bag) Set {
	s := make(Set, b.Len())
	for k, v := range b.All() {
		s[k] = []props.Value{v}
	}
	return s
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = slices.Clone(v)
	}
	return out
}

func (s Set) String() string {
	keys := make([]props.Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b props.Key) int { return strings.Compare(a.String(), b.String()) })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := make([]string, len(s[k]))
		for i, v := range s[k] {
			vals[i] = props.Format(k, v)
		}
		parts = append(parts, k.String()+"="+strings.Join(vals, "|"))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func matchesAny(v props.Value, accepted []props.Value) bool {
	for _, a := range accepted {
		if v.Matches(a) {
			return true
		}
	}
	return false
}

// Accepts reports whether the bundle's input entries accept s.
func (b Bundle) Accepts(s Set) bool {
	if !b.HasInputs() {
		return false
	}
	for _, c := range b {
		switch c.Dir {
		case InputExcluded:
			vals, ok := s[c.Key]
			if !ok {
				continue
			}
			excluded := true
			for _, v := range vals {
				if !matchesAny(v, c.Values) {
					excluded = false
					break
				}
			}
			if excluded {
				return false
			}
		case Input:
			vals, ok := s[c.Key]
			if !ok || len(vals) == 0 {
				if c.Optional {
					continue
				}
				return false
			}
			found := false
			for _, v := range vals {
				if matchesAny(v, c.Values) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Apply returns the set produced by the bundle from input s: input
// properties pass through, declared outputs replace them. Input values that
// the bundle narrowed are narrowed in the result too.
func (b Bundle) Apply(s Set) Set {
	out := s.Clone()
	for _, c := range b {
		if c.Dir != Input || len(c.Values) == 0 {
			continue
		}
		vals, ok := out[c.Key]
		if !ok {
			continue
		}
		narrowed := vals[:0:0]
		for _, v := range vals {
			if matchesAny(v, c.Values) {
				narrowed = append(narrowed, v)
			}
		}
		out[c.Key] = narrowed
	}
	for _, c := range b {
		if c.Dir == Output {
			out[c.Key] = slices.Clone(c.Values)
		}
	}
	return out
}

// Match returns the index of the first bundle accepting s.
func (t Table) Match(s Set) (int, bool) {
	for i, b := range t {
		if b.Accepts(s) {
			return i, true
		}
	}
	return -1, false
}

// AcceptsBag reports whether some bundle accepts the concrete properties of b.
func (t Table) AcceptsBag(b *props.Bag) bool {
	_, ok := t.Match(FromBag(b))
	return ok
}

// Outputs returns, for every bundle accepting s, the set it would produce.
// Bundles without outputs are skipped.
func (t Table) Outputs(s Set) []Set {
	var out []Set
	for _, b := range t {
		if b.HasOutputs() && b.Accepts(s) {
			out = append(out, b.Apply(s))
		}
	}
	return out
}

// SourceOutputs returns the sets declared by bundles without inputs, the
// outputs of a source filter type.
func (t Table) SourceOutputs() []Set {
	var out []Set
	for _, b := range t {
		if b.HasInputs() || !b.HasOutputs() {
			continue
		}
		out = append(out, b.Apply(Set{}))
	}
	return out
}
