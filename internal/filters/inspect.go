package filters

import (
	"slices"
	"sync"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
)

// Inspect describes inspect, a sink counting and logging what it receives.
func Inspect() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "inspect",
		Description: "Sink logging and counting received packets",
		Args: []filter.ArgDesc{
			{Name: "full", Kind: props.KindBool, Default: "false", Description: "Reassemble fragments into whole frames"},
			{Name: "log", Kind: props.KindBool, Default: "false", Description: "Log every packet at info level", Flags: filter.ArgUpdatable},
			{Name: "max", Kind: props.KindInt32, Default: "0", Description: "Stop the sources after this many packets, 0 for no limit"},
			{Name: "keep", Kind: props.KindInt32, Default: "0", Description: "Payloads kept for the report"},
		},
		Caps: caps.Single(caps.Exclude(props.Unframed, props.Bool(true))),
		New:  func() filter.Filter { return &inspector{} },
	}
}

// Report is what an inspect instance received on one input pid.
type Report struct {
	Pid       string            `json:"pid"`
	Packets   int               `json:"packets"`
	Bytes     int               `json:"bytes"`
	Sizes     []int             `json:"sizes"`
	DTS       []uint64          `json:"dts"`
	Keys      int               `json:"keys"`
	Corrupted int               `json:"corrupted"`
	Configs   int               `json:"configs"`
	EOS       bool              `json:"eos"`
	Removed   bool              `json:"removed"`
	Error     string            `json:"error,omitempty"`
	Props     map[string]string `json:"props"`
	Payloads  [][]byte          `json:"-"`
}

type inspector struct {
	Full bool `arg:"full"`
	Log  bool `arg:"log"`
	Max  int  `arg:"max"`
	Keep int  `arg:"keep"`

	mu      sync.Mutex
	reports []*Report
	byPid   map[*filter.Pid]*Report
	total   int
	stopped bool
}

func (s *inspector) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPid == nil {
		s.byPid = make(map[*filter.Pid]*Report)
	}
	r, known := s.byPid[pid]
	if remove {
		if known {
			r.Removed = true
			delete(s.byPid, pid)
		}
		return nil
	}
	if !known {
		name := pid.String()
		if peer := pid.Peer(); peer != nil {
			name = peer.String()
		}
		r = &Report{Pid: name}
		s.byPid[pid] = r
		s.reports = append(s.reports, r)
		if s.Full {
			pid.SetFramingMode(true)
		}
		pid.SendEvent(filter.Play(0, 0))
	}
	r.Configs++
	r.Props = pid.PropsSnapshot().Map()
	f.Logger().Info("Inspecting pid", "pid", r.Pid, "props", r.Props, "reconfigure", known)
	return nil
}

func (s *inspector) Process(f *filter.Instance) error {
	for _, in := range f.Inputs() {
		for {
			pk := in.GetPacket()
			if pk == nil {
				break
			}
			s.record(f, in, pk)
			in.DropPacket()
		}
		if in.IsEOS() {
			s.endOfStream(f, in)
		}
	}
	return filter.ErrEOS
}

func (s *inspector) record(f *filter.Instance, in *filter.Pid, pk *filter.Packet) {
	s.mu.Lock()
	r := s.byPid[in]
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.Packets++
	r.Bytes += pk.Size()
	r.Sizes = append(r.Sizes, pk.Size())
	r.DTS = append(r.DTS, pk.DTS())
	if pk.SAP() != filter.SAPNone {
		r.Keys++
	}
	if pk.Corrupted() {
		r.Corrupted++
	}
	if len(r.Payloads) < s.Keep {
		r.Payloads = append(r.Payloads, slices.Clone(pk.Data()))
	}
	s.total++
	stop := s.Max > 0 && s.total >= s.Max && !s.stopped
	if stop {
		s.stopped = true
	}
	s.mu.Unlock()

	if s.Log {
		f.Logger().Info("Packet", "pid", in.Name(), "dts", pk.DTS(), "cts", pk.CTS(), "size", pk.Size(), "sap", pk.SAP())
	} else {
		f.Logger().Debug("Packet", "pid", in.Name(), "dts", pk.DTS(), "size", pk.Size())
	}
	if stop {
		f.Logger().Info("Packet limit reached, stopping inputs", "max", s.Max)
		for _, p := range f.Inputs() {
			p.SendEvent(filter.Stop())
		}
	}
}

func (s *inspector) endOfStream(f *filter.Instance, in *filter.Pid) {
	s.mu.Lock()
	r := s.byPid[in]
	if r == nil || r.EOS {
		s.mu.Unlock()
		return
	}
	r.EOS = true
	if err := in.Err(); err != nil {
		r.Error = err.Error()
	}
	packets, bytes := r.Packets, r.Bytes
	s.mu.Unlock()
	f.Logger().Info("End of stream", "pid", in.Name(), "packets", packets, "bytes", bytes, "error", in.Err())
}

// report returns copies of the per-pid reports in connection order.
func (s *inspector) report() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	for i, r := range s.reports {
		c := *r
		c.Sizes = slices.Clone(r.Sizes)
		c.DTS = slices.Clone(r.DTS)
		c.Payloads = slices.Clone(r.Payloads)
		out[i] = c
	}
	return out
}

// InspectReport returns the reports of an inspect instance, one per input
// pid it has seen.
func InspectReport(f *filter.Instance) ([]Report, bool) {
	s, ok := f.Impl().(*inspector)
	if !ok {
		return nil, false
	}
	return s.report(), true
}
