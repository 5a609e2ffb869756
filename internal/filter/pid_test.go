package filter_test

import (
	"testing"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var title = props.N("title")

func TestInfoUpdateWithoutReconfigure(t *testing.T) {
	rec := &recorder{}
	e := newEnv(t, filter.Config{},
		sourceDesc("gen", codecA, nil, func(s *genSource) {
			s.onSend = func(_ *filter.Instance, pid *filter.Pid, n int) {
				switch n {
				case 1:
					assert.NoError(t, pid.SetInfo(title, props.String("first")))
				case 3:
					assert.NoError(t, pid.SetInfo(title, props.String("second")))
				}
			}
		}),
		sinkDesc("sink", codecA, rec, nil),
	)
	src := e.load(t, "gen", filter.LoadOptions{})
	sink := e.load(t, "sink", filter.LoadOptions{})
	require.NoError(t, e.run(t))

	assert.Len(t, rec.snapshotSizes(), 5)
	assert.Equal(t, 1, rec.configured)
	assert.Equal(t, []filter.EventType{filter.EventInfoUpdate, filter.EventInfoUpdate}, rec.eventTypes())

	v, ok := sink.Inputs()[0].Info(title)
	require.True(t, ok)
	assert.Equal(t, "second", v.Str())
	_, ok = sink.Inputs()[0].Prop(title)
	assert.False(t, ok, "info stays out of the pid properties")

	out := src.Outputs()[0]
	assert.ErrorIs(t, out.SetInfo(title, props.Pointer(rec)), filter.ErrBadParameter)
	assert.ErrorIs(t, sink.Inputs()[0].SetInfo(title, props.String("x")), filter.ErrBadParameter)
}

func TestInfoLookupWalksUpstream(t *testing.T) {
	rec := &recorder{}
	e := newEnv(t, filter.Config{},
		sourceDesc("gen", codecA, nil, func(s *genSource) {
			s.onSend = func(_ *filter.Instance, pid *filter.Pid, n int) {
				if n == 1 {
					assert.NoError(t, pid.SetInfo(title, props.String("upstream")))
				}
			}
		}),
		sinkDesc("sink", codecB, rec, nil),
		converterDesc("a2b", codecA, codecB, nil),
	)
	e.load(t, "gen", filter.LoadOptions{})
	sink := e.load(t, "sink", filter.LoadOptions{})
	require.NoError(t, e.run(t))

	require.Len(t, rec.snapshotSizes(), 5)
	v, ok := sink.Inputs()[0].Info(title)
	require.True(t, ok)
	assert.Equal(t, "upstream", v.Str())
	_, ok = sink.Inputs()[0].Info(props.N("missing"))
	assert.False(t, ok)
}

// flexSource is a genSource able to switch the codec of its output.
type flexSource struct {
	genSource
}

func (s *flexSource) ReconfigureOutput(_ *filter.Instance, out *filter.Pid, want *props.Bag) error {
	v, ok := want.GetCode(props.CodecID)
	if !ok {
		return filter.ErrUnsupported
	}
	out.SetPropCode(props.CodecID, v)
	return nil
}

func wantingSinkDesc(rec *recorder, want uint32) *filter.Descriptor {
	return &filter.Descriptor{
		Name: "sink",
		Caps: caps.Single(caps.In(props.CodecID, codec(codecA), codec(codecB))),
		New:  func() filter.Filter { return &collectSink{rec: rec, Want: want} },
	}
}

func dynamicCount(s *filter.Session, name string) int {
	n := 0
	for _, f := range s.Instances() {
		if f.Name() == name && f.Dynamic() {
			n++
		}
	}
	return n
}

func TestNegotiationReconfiguresProducer(t *testing.T) {
	rec := &recorder{}
	e := newEnv(t, filter.Config{},
		&filter.Descriptor{
			Name: "flex",
			Caps: caps.Single(caps.Out(props.CodecID, codec(codecA), codec(codecB))),
			New: func() filter.Filter {
				return &flexSource{genSource{Count: 5, Size: 16, Codec: codecA}}
			},
		},
		wantingSinkDesc(rec, codecB),
		converterDesc("a2b", codecA, codecB, nil),
	)
	src := e.load(t, "flex", filter.LoadOptions{})
	e.load(t, "sink", filter.LoadOptions{})
	require.NoError(t, e.run(t))

	assert.Len(t, rec.snapshotSizes(), 5)
	assert.Equal(t, []uint32{codecA, codecB}, rec.codecs)
	assert.Zero(t, dynamicCount(e.s, "a2b"))
	assert.Zero(t, rec.removed)
	v, _ := src.Outputs()[0].PropCode(props.CodecID)
	assert.Equal(t, uint64(codecB), v.Uint())
}

func TestNegotiationInsertsAdapter(t *testing.T) {
	rec := &recorder{}
	e := newEnv(t, filter.Config{},
		sourceDesc("gen", codecA, nil, nil),
		wantingSinkDesc(rec, codecB),
		converterDesc("a2b", codecA, codecB, nil),
		converterDesc("a2c", codecA, codecC, nil),
	)
	e.load(t, "gen", filter.LoadOptions{})
	e.load(t, "sink", filter.LoadOptions{})
	require.NoError(t, e.run(t))

	assert.Len(t, rec.snapshotSizes(), 5)
	assert.Equal(t, []uint32{codecA, codecB}, rec.codecs)
	assert.Equal(t, 1, rec.removed)
	assert.Equal(t, 1, dynamicCount(e.s, "a2b"))
	assert.Zero(t, dynamicCount(e.s, "a2c"))
}

func TestNegotiationWithoutAdapterFailsEdge(t *testing.T) {
	rec := &recorder{}
	e := newEnv(t, filter.Config{},
		sourceDesc("gen", codecA, nil, nil),
		wantingSinkDesc(rec, codecB),
	)
	e.load(t, "gen", filter.LoadOptions{})
	e.load(t, "sink", filter.LoadOptions{})

	assert.ErrorIs(t, e.run(t), filter.ErrCapabilityMismatch)
	assert.Empty(t, rec.snapshotSizes())
}

func TestNegotiateOnOutputRejected(t *testing.T) {
	e := newEnv(t, filter.Config{}, sourceDesc("gen", codecA, nil, nil))
	src := e.load(t, "gen", filter.LoadOptions{})
	out := src.Outputs()[0]
	assert.ErrorIs(t, out.NegotiatePropCode(props.CodecID, codec(codecB)), filter.ErrBadParameter)
	assert.ErrorIs(t, out.SetDiscard(true), filter.ErrBadParameter)
	assert.False(t, out.Discarding())
}

func TestDiscardDropsEverything(t *testing.T) {
	rec := &recorder{}
	e := newEnv(t, filter.Config{},
		sourceDesc("gen", codecA, nil, nil),
		sinkDesc("sink", codecA, rec, func(s *collectSink) { s.Discard = true }),
	)
	before := filter.LivePackets()
	e.load(t, "gen", filter.LoadOptions{Args: map[string]string{"count": "10"}})
	sink := e.load(t, "sink", filter.LoadOptions{})
	require.NoError(t, e.run(t))

	in := sink.Inputs()[0]
	assert.Empty(t, rec.snapshotSizes())
	assert.Equal(t, 1, rec.eosCount())
	assert.True(t, in.Discarding())
	assert.Equal(t, uint64(10), in.Stats().PacketsDropped)
	assert.Zero(t, in.QueueLen())

	// the producer already ended its stream
	require.NoError(t, in.SetDiscard(false))
	assert.False(t, in.Discarding())
	assert.True(t, in.IsEOS())

	e.close(t)
	assert.Equal(t, before, filter.LivePackets())
}
