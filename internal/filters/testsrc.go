package filters

import (
	"fmt"
	"strconv"
	"time"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
)

// gopSize is the distance between random access frames.
const gopSize = 25

var annexBStartCode = []byte{0, 0, 0, 1}

// TestSource describes testsrc, a synthetic frame generator.
func TestSource() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "testsrc",
		Description: "Synthetic source emitting numbered frames",
		Args: []filter.ArgDesc{
			{Name: "type", Kind: props.KindString, Default: "visual", Enum: []string{"visual", "audio", "text"}, Description: "Stream type"},
			{Name: "codec", Kind: props.KindString, Default: "avc", Description: "Codec name or four-character code"},
			{Name: "count", Kind: props.KindInt32, Default: "10", Description: "Frames to emit, 0 for endless"},
			{Name: "sizes", Kind: props.KindString, Default: "1024", Description: "Frame sizes in bytes, cycled"},
			{Name: "frag", Kind: props.KindInt32, Default: "0", Description: "Split frames into fragments of at most this size"},
			{Name: "timescale", Kind: props.KindUint32, Default: "1000", Description: "Timestamp units per second"},
			{Name: "duration", Kind: props.KindUint32, Default: "40", Description: "Frame duration in timescale units"},
			{Name: "unframed", Kind: props.KindBool, Default: "false", Description: "Mark the stream as not carrying whole frames"},
			{Name: "realtime", Kind: props.KindBool, Default: "false", Description: "Pace frames at their duration", Flags: filter.ArgUpdatable},
		},
		Caps: caps.Single(
			caps.Out(props.StreamType, props.Uint32(props.StreamVisual), props.Uint32(props.StreamAudio), props.Uint32(props.StreamText)),
			caps.Out(props.CodecID, props.Uint32(props.CodecAVC), props.Uint32(props.CodecOpus), props.Uint32(props.CodecText)),
		),
		New: func() filter.Filter { return &testSource{} },
	}
}

type testSource struct {
	StreamType string   `arg:"type"`
	Codec      string   `arg:"codec"`
	Count      int      `arg:"count"`
	Sizes      []string `arg:"sizes"`
	Frag       int      `arg:"frag"`
	Timescale  uint32   `arg:"timescale"`
	Duration   uint32   `arg:"duration"`
	Unframed   bool     `arg:"unframed"`
	Realtime   bool     `arg:"realtime"`

	codec  uint32
	sizes  []int
	pid    *filter.Pid
	frame  int
	offset int64
	ended  bool
	next   time.Time
}

func (s *testSource) Initialize(f *filter.Instance) error {
	codec, err := parseCodec(s.Codec)
	if err != nil {
		return err
	}
	s.codec = codec
	for _, text := range s.Sizes {
		n, err := strconv.Atoi(text)
		if err != nil || n <= 0 {
			return filter.NewError(filter.CodeBadParameter, fmt.Sprintf("invalid frame size %q", text), nil)
		}
		s.sizes = append(s.sizes, n)
	}
	if len(s.sizes) == 0 {
		return filter.NewError(filter.CodeBadParameter, "no frame sizes", nil)
	}
	if s.Timescale == 0 || s.Duration == 0 {
		return filter.NewError(filter.CodeBadParameter, "timescale and duration must be positive", nil)
	}
	st, err := props.ParseFor(props.K(props.StreamType), s.StreamType)
	if err != nil {
		return filter.NewError(filter.CodeBadParameter, "stream type", err)
	}

	s.pid = f.NewPid()
	s.pid.SetPropCode(props.StreamType, st)
	s.pid.SetPropCode(props.CodecID, props.Uint32(codec))
	s.pid.SetPropCode(props.Timescale, props.Uint32(s.Timescale))
	s.pid.SetPropCode(props.FPS, props.Frac(int64(s.Timescale), int64(s.Duration)))
	if uint32(st.Uint()) == props.StreamAudio {
		s.pid.SetPropCode(props.SampleRate, props.Uint32(s.Timescale))
		s.pid.SetPropCode(props.NumChannels, props.Uint32(2))
	}
	if s.Unframed {
		s.pid.SetPropCode(props.Unframed, props.Bool(true))
	}
	f.Logger().Debug("Test source configured", "codec", props.CodecName(codec), "count", s.Count, "sizes", s.sizes)
	return nil
}

func (s *testSource) ConfigurePid(*filter.Instance, *filter.Pid, bool) error {
	return filter.ErrUnsupported
}

func (s *testSource) Process(f *filter.Instance) error {
	if s.ended {
		return filter.ErrEOS
	}
	if s.Count > 0 && s.frame >= s.Count {
		s.ended = true
		s.pid.SetEOS()
		f.Logger().Debug("Test source done", "frames", s.frame)
		return filter.ErrEOS
	}
	if s.Realtime {
		if s.next.IsZero() {
			s.next = time.Now()
		}
		if wait := time.Until(s.next); wait > 0 {
			f.RequestReschedule(wait)
			return nil
		}
		s.next = s.next.Add(time.Duration(s.Duration) * time.Second / time.Duration(s.Timescale))
	}
	if err := s.sendFrame(); err != nil {
		return err
	}
	s.frame++
	return nil
}

// sendFrame emits the current frame, split into fragments when requested.
// AVC frames are Annex B access units with a single IDR or non-IDR slice.
func (s *testSource) sendFrame() error {
	size := s.sizes[s.frame%len(s.sizes)]
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(s.frame + i)
	}
	key := s.frame%gopSize == 0
	if s.codec == props.CodecAVC && size > len(annexBStartCode)+1 {
		copy(data, annexBStartCode)
		data[4] = 0x41
		if key {
			data[4] = 0x65
		}
	}

	ts := uint64(s.frame) * uint64(s.Duration)
	frag := size
	if s.Frag > 0 && s.Frag < size {
		frag = s.Frag
	}
	for off := 0; off < size; off += frag {
		end := min(off+frag, size)
		pk, buf, err := s.pid.NewPacket(end - off)
		if err != nil {
			return err
		}
		copy(buf, data[off:end])
		pk.SetDTS(ts)
		pk.SetCTS(ts)
		pk.SetDuration(s.Duration)
		pk.SetFraming(off == 0, end == size)
		pk.SetByteOffset(s.offset + int64(off))
		if key && off == 0 {
			pk.SetSAP(filter.SAP1)
		}
		if err := pk.Send(); err != nil {
			return err
		}
	}
	s.offset += int64(size)
	return nil
}

// ProcessEvent repositions the source when playback restarts at an offset.
func (s *testSource) ProcessEvent(f *filter.Instance, ev *filter.Event) bool {
	if ev.Type != filter.EventPlay || ev.Start <= 0 {
		return false
	}
	frame := int(ev.Start * float64(s.Timescale) / float64(s.Duration))
	f.Logger().Debug("Test source seek", "start", ev.Start, "frame", frame)
	s.frame = frame
	s.next = time.Time{}
	if s.Count == 0 || frame < s.Count {
		s.ended = false
	}
	return true
}

func (s *testSource) UpdateArg(f *filter.Instance, name string, _ props.Value) error {
	if name == "realtime" {
		s.next = time.Time{}
		f.Logger().Info("Pacing changed", "realtime", s.Realtime)
	}
	return nil
}
