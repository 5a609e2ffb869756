package resolve

import (
	"testing"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopFilter struct{}

func (nopFilter) ConfigurePid(*filter.Instance, *filter.Pid, bool) error { return nil }
func (nopFilter) Process(*filter.Instance) error                       { return nil }

func desc(name string, priority int, table caps.Table) *filter.Descriptor {
	return &filter.Descriptor{
		Name:     name,
		Priority: priority,
		Caps:     table,
		New:      func() filter.Filter { return nopFilter{} },
	}
}

func codec(c uint32) props.Value { return props.Uint32(c) }

// convert declares a type turning codec from into codec to.
func convert(name string, priority int, from, to uint32) *filter.Descriptor {
	return desc(name, priority, caps.Single(
		caps.In(props.CodecID, codec(from)),
		caps.Out(props.CodecID, codec(to)),
	))
}

func sink(name string, accepts uint32) *filter.Descriptor {
	return desc(name, 0, caps.Single(caps.In(props.CodecID, codec(accepts))))
}

func set(c uint32) caps.Set {
	return caps.Set{props.K(props.CodecID): {codec(c)}}
}

func chainNames(chain []*filter.Descriptor) []string {
	return names(chain)
}

func newRegistry(t *testing.T, descs ...*filter.Descriptor) *filter.Registry {
	t.Helper()
	reg := filter.NewRegistry()
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	reg.Freeze()
	return reg
}

var (
	codecA = uint32(props.FourCC("AAAA"))
	codecB = uint32(props.FourCC("BBBB"))
	codecC = uint32(props.FourCC("CCCC"))
	codecD = uint32(props.FourCC("DDDD"))
)

func TestResolveToDirectMatch(t *testing.T) {
	target := sink("sinkA", codecA)
	r := New(newRegistry(t, target), 0)

	chain, err := r.ResolveTo(set(codecA), target)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestResolveToSingleAdapter(t *testing.T) {
	target := sink("sinkB", codecB)
	r := New(newRegistry(t, convert("a2b", 0, codecA, codecB), target), 0)

	chain, err := r.ResolveTo(set(codecA), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2b"}, chainNames(chain))
}

func TestResolveToPrefersShortestChain(t *testing.T) {
	target := sink("sinkC", codecC)
	reg := newRegistry(t,
		convert("a2b", 10, codecA, codecB),
		convert("b2c", 10, codecB, codecC),
		convert("a2c", 0, codecA, codecC),
		target,
	)
	r := New(reg, 0)

	chain, err := r.ResolveTo(set(codecA), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2c"}, chainNames(chain))
}

func TestResolveToMultiHop(t *testing.T) {
	target := sink("sinkD", codecD)
	reg := newRegistry(t,
		convert("c2d", 0, codecC, codecD),
		convert("a2b", 0, codecA, codecB),
		convert("b2c", 0, codecB, codecC),
		target,
	)
	r := New(reg, 0)

	chain, err := r.ResolveTo(set(codecA), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2b", "b2c", "c2d"}, chainNames(chain))
}

func TestResolveToRespectsDepthBound(t *testing.T) {
	target := sink("sinkD", codecD)
	reg := newRegistry(t,
		convert("a2b", 0, codecA, codecB),
		convert("b2c", 0, codecB, codecC),
		convert("c2d", 0, codecC, codecD),
		target,
	)

	_, err := New(reg, 3).ResolveTo(set(codecA), target)
	require.ErrorIs(t, err, filter.ErrCapabilityMismatch)

	chain, err := New(reg, 4).ResolveTo(set(codecA), target)
	require.NoError(t, err)
	assert.Len(t, chain, 3)
}

func TestResolveTieBreaks(t *testing.T) {
	target := sink("sinkB", codecB)

	t.Run("priority", func(t *testing.T) {
		reg := newRegistry(t,
			convert("low", 1, codecA, codecB),
			convert("high", 5, codecA, codecB),
			target,
		)
		chain, err := New(reg, 0).ResolveTo(set(codecA), target)
		require.NoError(t, err)
		assert.Equal(t, []string{"high"}, chainNames(chain))
	})

	t.Run("registration order", func(t *testing.T) {
		reg := newRegistry(t,
			convert("first", 3, codecA, codecB),
			convert("second", 3, codecA, codecB),
			sink("sinkB", codecB),
		)
		tgt, err := reg.Get("sinkB")
		require.NoError(t, err)
		chain, err := New(reg, 0).ResolveTo(set(codecA), tgt)
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, chainNames(chain))
	})
}

func TestResolveIsDeterministic(t *testing.T) {
	target := sink("sinkD", codecD)
	reg := newRegistry(t,
		convert("a2b", 0, codecA, codecB),
		convert("a2c", 0, codecA, codecC),
		convert("b2d", 0, codecB, codecD),
		convert("c2d", 0, codecC, codecD),
		target,
	)
	r := New(reg, 0)

	first, err := r.ResolveTo(set(codecA), target)
	require.NoError(t, err)
	for range 50 {
		again, err := r.ResolveTo(set(codecA), target)
		require.NoError(t, err)
		assert.Equal(t, chainNames(first), chainNames(again))
	}
	assert.Equal(t, []string{"a2b", "b2d"}, chainNames(first))
}

func TestResolveSkipsExplicitAdapters(t *testing.T) {
	target := sink("sinkB", codecB)
	hidden := convert("a2b", 0, codecA, codecB)
	hidden.Explicit = true
	r := New(newRegistry(t, hidden, target), 0)

	_, err := r.ResolveTo(set(codecA), target)
	assert.ErrorIs(t, err, filter.ErrCapabilityMismatch)
}

func TestResolveAvoidsCycles(t *testing.T) {
	target := sink("sinkC", codecC)
	reg := newRegistry(t,
		convert("a2b", 0, codecA, codecB),
		convert("b2a", 0, codecB, codecA),
		target,
	)
	_, err := New(reg, 8).ResolveTo(set(codecA), target)
	assert.ErrorIs(t, err, filter.ErrCapabilityMismatch)
}

func TestResolveAny(t *testing.T) {
	reg := newRegistry(t,
		convert("a2b", 0, codecA, codecB),
		sink("sinkB", codecB),
		sink("sinkC", codecC),
	)
	r := New(reg, 0)

	chain, err := r.ResolveAny(set(codecB))
	require.NoError(t, err)
	assert.Equal(t, []string{"sinkB"}, chainNames(chain))

	chain, err = r.ResolveAny(set(codecA))
	require.NoError(t, err)
	assert.Equal(t, []string{"a2b", "sinkB"}, chainNames(chain))

	_, err = r.ResolveAny(set(codecD))
	assert.ErrorIs(t, err, filter.ErrCapabilityMismatch)
}

func TestResolveAnySkipsExplicitSinks(t *testing.T) {
	out := sink("fileout", codecA)
	out.Explicit = true
	r := New(newRegistry(t, out), 0)

	_, err := r.ResolveAny(set(codecA))
	assert.ErrorIs(t, err, filter.ErrCapabilityMismatch)
}

func TestResolveToNilTarget(t *testing.T) {
	r := New(newRegistry(t), 0)
	_, err := r.ResolveTo(set(codecA), nil)
	assert.ErrorIs(t, err, filter.ErrBadParameter)
}
