// Package caps declares what property values a filter type accepts and produces.
//
// A Table is an ordered list of bundles. Within a bundle, input entries are
// evaluated in order against a pid's properties; an excluded entry that
// matches rejects the pid immediately. Output entries describe the properties
// produced when that bundle accepted the input.
package caps

import (
	"strings"

	"github.com/smazurov/mediagraph/internal/props"
)

// Direction tells whether an entry constrains inputs or describes outputs.
type Direction uint8

// Capability directions.
const (
	Input Direction = iota + 1
	Output
	InputExcluded
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "in"
	case Output:
		return "out"
	case InputExcluded:
		return "in!"
	}
	return "?"
}

// Cap is one capability entry. Values holds the required value or the set of
// accepted values.
type Cap struct {
	Dir      Direction
	Key      props.Key
	Values   []props.Value
	Optional bool
}

// In requires code to hold one of values.
func In(code props.Code, values ...props.Value) Cap {
	return Cap{Dir: Input, Key: props.K(code), Values: values}
}

// InName requires a free-form property to hold one of values.
func InName(name string, values ...props.Value) Cap {
	return Cap{Dir: Input, Key: props.N(name), Values: values}
}

// Out declares that code is produced with one of values.
func Out(code props.Code, values ...props.Value) Cap {
	return Cap{Dir: Output, Key: props.K(code), Values: values}
}

// Exclude rejects inputs where code holds one of values.
func Exclude(code props.Code, values ...props.Value) Cap {
	return Cap{Dir: InputExcluded, Key: props.K(code), Values: values}
}

// Opt marks the entry optional: a missing property does not reject the input.
func (c Cap) Opt() Cap {
	c.Optional = true
	return c
}

func (c Cap) String() string {
	vals := make([]string, len(c.Values))
	for i, v := range c.Values {
		vals[i] = props.Format(c.Key, v)
	}
	s := c.Dir.String() + " " + c.Key.String() + "=" + strings.Join(vals, "|")
	if c.Optional {
		s += " (optional)"
	}
	return s
}

// Bundle groups entries that apply together.
type Bundle []Cap

// Table is the ordered capability table of a filter type.
type Table []Bundle

// Single builds a table with one bundle.
func Single(entries ...Cap) Table {
	return Table{Bundle(entries)}
}

// HasInputs reports whether the bundle constrains inputs.
func (b Bundle) HasInputs() bool {
	for _, c := range b {
		if c.Dir == Input || c.Dir == InputExcluded {
			return true
		}
	}
	return false
}

// HasOutputs reports whether the bundle declares outputs.
func (b Bundle) HasOutputs() bool {
	for _, c := range b {
		if c.Dir == Output {
			return true
		}
	}
	return false
}

// AcceptsInputs reports whether any bundle of the table takes inputs.
func (t Table) AcceptsInputs() bool {
	for _, b := range t {
		if b.HasInputs() {
			return true
		}
	}
	return false
}

// ProducesOutputs reports whether any bundle of the table declares outputs.
func (t Table) ProducesOutputs() bool {
	for _, b := range t {
		if b.HasOutputs() {
			return true
		}
	}
	return false
}

// Require narrows the input side of t to the values in b. Every bundle
// taking inputs has its entries on those keys replaced by a single required
// value; bundles without inputs are kept as they are.
func (t Table) Require(b *props.Bag) Table {
	if b.Len() == 0 {
		return t
	}
	out := make(Table, 0, len(t))
	for _, bundle := range t {
		if !bundle.HasInputs() {
			out = append(out, bundle)
			continue
		}
		narrowed := make(Bundle, 0, len(bundle)+b.Len())
		for _, c := range bundle {
			if _, pinned := b.Get(c.Key); pinned && c.Dir == Input {
				continue
			}
			narrowed = append(narrowed, c)
		}
		for k, v := range b.All() {
			narrowed = append(narrowed, Cap{Dir: Input, Key: k, Values: []props.Value{v}})
		}
		out = append(out, narrowed)
	}
	return out
}

// Strings renders every entry, one bundle per element.
func (t Table) Strings() [][]string {
	out := make([][]string, len(t))
	for i, b := range t {
		for _, c := range b {
			out[i] = append(out[i], c.String())
		}
	}
	return out
}
