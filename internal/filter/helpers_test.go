package filter_test

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
	"github.com/smazurov/mediagraph/internal/resolve"
	"github.com/stretchr/testify/require"
)

var (
	codecA = uint32(props.FourCC("AAAA"))
	codecB = uint32(props.FourCC("BBBB"))
	codecC = uint32(props.FourCC("CCCC"))
)

func codec(c uint32) props.Value { return props.Uint32(c) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects what test filters observe.
type recorder struct {
	mu         sync.Mutex
	sizes      []int
	firsts     []byte
	dts        []uint64
	durations  []uint32
	corrupted  []bool
	eos        int
	eosErr     error
	configured int
	codecs     []uint32
	removed    int
	events     []filter.EventType
	maxQueued  int
	finalized  []string
}

func (r *recorder) snapshotSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sizes)
}

func (r *recorder) eosCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eos
}

func (r *recorder) eventTypes() []filter.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) addEvent(t filter.EventType) {
	r.mu.Lock()
	r.events = append(r.events, t)
	r.mu.Unlock()
}

func (r *recorder) finalize(id string) {
	r.mu.Lock()
	r.finalized = append(r.finalized, id)
	r.mu.Unlock()
}

// genSource emits Count packets of Size bytes, or the frames listed in
// Frags: frames separated by ';', each split into its ',' separated
// fragment sizes. Packet i carries byte i first and DTS i*40.
type genSource struct {
	Count  int    `arg:"count"`
	Size   int    `arg:"size"`
	Frags  string `arg:"frags"`
	Codec  uint32
	FailAt int
	Panic  bool
	rec    *recorder
	pid    *filter.Pid
	sent   int
	ended  bool
	onSend func(f *filter.Instance, pid *filter.Pid, n int)
}

func (s *genSource) Initialize(f *filter.Instance) error {
	s.pid = f.NewPid()
	s.pid.SetPropCode(props.StreamType, props.Uint32(props.StreamVisual))
	s.pid.SetPropCode(props.CodecID, codec(s.Codec))
	s.pid.SetPropCode(props.Timescale, props.Uint32(1000))
	return nil
}

func (s *genSource) ConfigurePid(*filter.Instance, *filter.Pid, bool) error {
	return filter.ErrUnsupported
}

func (s *genSource) Process(f *filter.Instance) error {
	if s.ended {
		return filter.ErrEOS
	}
	if s.Frags != "" {
		return s.sendFragments()
	}
	if s.FailAt > 0 && s.sent == s.FailAt {
		if s.Panic {
			panic("generator exploded")
		}
		return filter.NewError(filter.CodeIOFailure, "read failed", nil)
	}
	if s.sent >= s.Count {
		s.ended = true
		s.pid.SetEOS()
		return filter.ErrEOS
	}
	pk, buf, err := s.pid.NewPacket(s.Size)
	if err != nil {
		return err
	}
	if len(buf) > 0 {
		buf[0] = byte(s.sent)
	}
	pk.SetDTS(uint64(s.sent * 40))
	pk.SetCTS(uint64(s.sent * 40))
	if err := pk.Send(); err != nil {
		return err
	}
	s.sent++
	if s.onSend != nil {
		s.onSend(f, s.pid, s.sent)
	}
	return nil
}

func (s *genSource) sendFragments() error {
	offset := 0
	for frame, text := range strings.Split(s.Frags, ";") {
		sizes := parseSizes(text)
		for i, n := range sizes {
			pk, _, err := s.pid.NewPacket(n)
			if err != nil {
				return err
			}
			pk.SetFraming(i == 0, i == len(sizes)-1)
			pk.SetDTS(uint64(frame * 40))
			pk.SetByteOffset(int64(offset))
			offset += n
			if err := pk.Send(); err != nil {
				return err
			}
		}
	}
	s.ended = true
	s.pid.SetEOS()
	return filter.ErrEOS
}

func (s *genSource) ProcessEvent(_ *filter.Instance, ev *filter.Event) bool {
	if s.rec != nil {
		s.rec.addEvent(ev.Type)
	}
	return false
}

func (s *genSource) Finalize(f *filter.Instance) {
	if s.rec != nil {
		s.rec.finalize(f.ID())
	}
}

func parseSizes(text string) []int {
	var out []int
	n := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == ',' {
			out = append(out, n)
			n = 0
			continue
		}
		n = n*10 + int(text[i]-'0')
	}
	return out
}

// collectSink records and drops every packet it gets.
type collectSink struct {
	FullFrame bool
	Reject    error
	Exclusive bool
	// Accept, when set, is the only codec ConfigurePid takes.
	Accept uint32
	// Want, when set, is negotiated with the producer of a pid carrying
	// another codec.
	Want uint32
	// Discard drops everything sent on the pids it takes.
	Discard bool
	// Hold parks the sink until closed.
	Hold chan struct{}
	rec  *recorder
	in   *filter.Pid
	seen map[*filter.Pid]bool
}

func (s *collectSink) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	if remove {
		s.rec.removed++
		if s.in == pid {
			s.in = nil
		}
		return nil
	}
	if s.Reject != nil {
		return s.Reject
	}
	if s.Accept != 0 {
		if v, _ := pid.PropCode(props.CodecID); uint32(v.Uint()) != s.Accept {
			return filter.ErrCapabilityMismatch
		}
	}
	if s.Exclusive && s.in != nil && s.in != pid {
		return filter.ErrNeedsNewInstance
	}
	s.in = pid
	s.rec.configured++
	v, _ := pid.PropCode(props.CodecID)
	s.rec.codecs = append(s.rec.codecs, uint32(v.Uint()))
	if s.Want != 0 && uint32(v.Uint()) != s.Want {
		if err := pid.NegotiatePropCode(props.CodecID, codec(s.Want)); err != nil {
			return err
		}
	}
	if s.FullFrame {
		pid.SetFramingMode(true)
	}
	if s.Discard {
		if err := pid.SetDiscard(true); err != nil {
			return err
		}
	}
	return nil
}

func (s *collectSink) Process(f *filter.Instance) error {
	if s.Hold != nil {
		select {
		case <-s.Hold:
			s.Hold = nil
		default:
			return filter.ErrEOS
		}
	}
	for _, in := range f.Inputs() {
		s.rec.mu.Lock()
		s.rec.maxQueued = max(s.rec.maxQueued, in.QueueLen())
		s.rec.mu.Unlock()
		for {
			pk := in.GetPacket()
			if pk == nil {
				break
			}
			s.rec.mu.Lock()
			s.rec.sizes = append(s.rec.sizes, pk.Size())
			if pk.Size() > 0 {
				s.rec.firsts = append(s.rec.firsts, pk.Data()[0])
			}
			s.rec.dts = append(s.rec.dts, pk.DTS())
			s.rec.durations = append(s.rec.durations, pk.Duration())
			s.rec.corrupted = append(s.rec.corrupted, pk.Corrupted())
			s.rec.mu.Unlock()
			in.DropPacket()
		}
		if in.IsEOS() && !s.seen[in] {
			if s.seen == nil {
				s.seen = make(map[*filter.Pid]bool)
			}
			s.seen[in] = true
			s.rec.mu.Lock()
			s.rec.eos++
			s.rec.eosErr = in.Err()
			s.rec.mu.Unlock()
		}
	}
	return filter.ErrEOS
}

func (s *collectSink) ProcessEvent(_ *filter.Instance, ev *filter.Event) bool {
	s.rec.addEvent(ev.Type)
	return false
}

func (s *collectSink) Finalize(f *filter.Instance) {
	s.rec.finalize(f.ID())
}

// converter forwards packets, rewriting the codec of its output.
type converter struct {
	to    uint32
	rec   *recorder
	out   *filter.Pid
	ended bool
}

func (c *converter) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	if remove {
		if c.out != nil {
			f.RemovePid(c.out)
			c.out = nil
		}
		return nil
	}
	if c.out == nil {
		c.out = f.NewPid()
	}
	c.out.CopyProps(pid)
	c.out.SetPropCode(props.CodecID, codec(c.to))
	return nil
}

func (c *converter) Process(f *filter.Instance) error {
	for _, in := range f.Inputs() {
		for {
			pk := in.GetPacket()
			if pk == nil {
				break
			}
			fwd, err := c.out.Forward(pk)
			if err != nil {
				return err
			}
			in.DropPacket()
			if err := fwd.Send(); err != nil {
				return err
			}
		}
		if in.IsEOS() && !c.ended {
			c.ended = true
			c.out.SetEOS()
		}
	}
	return filter.ErrEOS
}

func (c *converter) Finalize(f *filter.Instance) {
	if c.rec != nil {
		c.rec.finalize(f.ID())
	}
}

func sourceDesc(name string, cd uint32, rec *recorder, tweak func(*genSource)) *filter.Descriptor {
	return &filter.Descriptor{
		Name: name,
		Args: []filter.ArgDesc{
			{Name: "count", Kind: props.KindInt32, Default: "5"},
			{Name: "size", Kind: props.KindInt32, Default: "16"},
			{Name: "frags", Kind: props.KindString},
		},
		Caps: caps.Single(caps.Out(props.CodecID, codec(cd))),
		New: func() filter.Filter {
			s := &genSource{Codec: cd, rec: rec}
			if tweak != nil {
				tweak(s)
			}
			return s
		},
	}
}

func sinkDesc(name string, cd uint32, rec *recorder, tweak func(*collectSink)) *filter.Descriptor {
	return &filter.Descriptor{
		Name: name,
		Caps: caps.Single(caps.In(props.CodecID, codec(cd))),
		New: func() filter.Filter {
			s := &collectSink{rec: rec}
			if tweak != nil {
				tweak(s)
			}
			return s
		},
	}
}

func converterDesc(name string, from, to uint32, rec *recorder) *filter.Descriptor {
	return &filter.Descriptor{
		Name: name,
		Caps: caps.Single(
			caps.In(props.CodecID, codec(from)),
			caps.Out(props.CodecID, codec(to)),
		),
		New: func() filter.Filter { return &converter{to: to, rec: rec} },
	}
}

type testEnv struct {
	reg *filter.Registry
	s   *filter.Session
	bus *events.Bus
}

func newEnv(t *testing.T, cfg filter.Config, descs ...*filter.Descriptor) *testEnv {
	t.Helper()
	reg := filter.NewRegistry()
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	reg.Freeze()

	bus := events.New()
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolve.New(reg, 0)
	}
	cfg.Events = bus
	cfg.Logger = quietLogger()
	s := filter.NewSession(reg, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return &testEnv{reg: reg, s: s, bus: bus}
}

func (e *testEnv) load(t *testing.T, name string, opts filter.LoadOptions) *filter.Instance {
	t.Helper()
	f, err := e.s.Load(name, opts)
	require.NoError(t, err)
	return f
}

func (e *testEnv) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.s.Run(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "graph did not settle")
	return err
}

func (e *testEnv) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.s.Close(ctx))
}
