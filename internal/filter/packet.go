package filter

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/smazurov/mediagraph/internal/props"
)

// Ownership tells how a packet holds its data.
type Ownership uint8

// Ownership modes.
const (
	Owned  Ownership = iota // buffer allocated by the engine
	Shared                  // external buffer, released through a callback
	Ref                     // view into another packet, keeps it alive
)

func (o Ownership) String() string {
	switch o {
	case Owned:
		return "owned"
	case Shared:
		return "shared"
	case Ref:
		return "ref"
	}
	return "unknown"
}

// NoTS marks an unset timestamp.
const NoTS = ^uint64(0)

// NoByteOffset marks an unknown or discontinuous byte offset.
const NoByteOffset int64 = -1

// SAP is the stream access point type of a packet, 0 when not a SAP.
type SAP uint8

// Stream access point types.
const (
	SAPNone SAP = iota
	SAP1
	SAP2
	SAP3
	SAP4
)

var livePackets atomic.Int64

// LivePackets returns the number of packets allocated and not yet destroyed.
func LivePackets() int64 { return livePackets.Load() }

// Packet is a unit of timestamped data produced on an output pid.
//
// A packet starts with one reference held by its producer. Send hands that
// reference to the consumer, which gives it back through Pid.DropPacket.
// Ref and Unref keep a packet alive beyond that.
type Packet struct {
	pid     *Pid
	mode    Ownership
	data    []byte
	release func()
	source  *Packet
	refs    atomic.Int32
	done    atomic.Bool
	props   *props.Bag

	dts        uint64
	cts        uint64
	duration   uint32
	sap        SAP
	byteOffset int64
	start      bool
	end        bool
	seek       bool
	corrupted  bool

	pidProps    *props.Bag
	applied     bool
	pidInfo     *props.Bag
	infoApplied bool
	eos         bool
	eosErr      error
	remove      bool
	sent        bool
	qdur        uint64
}

func newPacket(pid *Pid, mode Ownership, data []byte) *Packet {
	p := &Packet{
		pid:        pid,
		mode:       mode,
		data:       data,
		dts:        NoTS,
		cts:        NoTS,
		byteOffset: NoByteOffset,
		start:      true,
		end:        true,
	}
	p.refs.Store(1)
	livePackets.Add(1)
	return p
}

// Pid returns the output pid that produced p.
func (p *Packet) Pid() *Pid { return p.pid }

// Ownership returns how p holds its data.
func (p *Packet) Ownership() Ownership { return p.mode }

// Data returns the packet payload. Consumers must not modify it.
func (p *Packet) Data() []byte { return p.data }

// Size returns the payload length.
func (p *Packet) Size() int { return len(p.data) }

// Props returns the packet property bag, creating it on first use. Packet
// properties must not change after Send.
func (p *Packet) Props() *props.Bag {
	if p.props == nil {
		p.props = props.NewBag()
	}
	return p.props
}

// Prop returns a packet property.
func (p *Packet) Prop(k props.Key) (props.Value, bool) {
	return p.props.Get(k)
}

// DTS returns the decoding timestamp in pid timescale units.
func (p *Packet) DTS() uint64 { return p.dts }

// SetDTS sets the decoding timestamp.
func (p *Packet) SetDTS(ts uint64) { p.dts = ts }

// CTS returns the composition timestamp in pid timescale units.
func (p *Packet) CTS() uint64 { return p.cts }

// SetCTS sets the composition timestamp.
func (p *Packet) SetCTS(ts uint64) { p.cts = ts }

// Duration returns the duration in pid timescale units.
func (p *Packet) Duration() uint32 { return p.duration }

// SetDuration sets the duration.
func (p *Packet) SetDuration(d uint32) { p.duration = d }

// SAP returns the access point type.
func (p *Packet) SAP() SAP { return p.sap }

// SetSAP sets the access point type.
func (p *Packet) SetSAP(s SAP) { p.sap = s }

// ByteOffset returns the position of the payload in its source, or NoByteOffset.
func (p *Packet) ByteOffset() int64 { return p.byteOffset }

// SetByteOffset sets the source position.
func (p *Packet) SetByteOffset(off int64) { p.byteOffset = off }

// Framing returns whether p starts and ends a logical frame.
func (p *Packet) Framing() (start, end bool) { return p.start, p.end }

// SetFraming marks frame boundaries. Both default to true.
func (p *Packet) SetFraming(start, end bool) {
	p.start = start
	p.end = end
}

// Seek reports whether p is only decoded to reach a seek point.
func (p *Packet) Seek() bool { return p.seek }

// SetSeek flags p as a seek packet.
func (p *Packet) SetSeek(seek bool) { p.seek = seek }

// Corrupted reports whether the payload is known to be damaged.
func (p *Packet) Corrupted() bool { return p.corrupted }

// SetCorrupted flags the payload as damaged.
func (p *Packet) SetCorrupted(c bool) { p.corrupted = c }

// Timescale returns the timescale of the producing pid.
func (p *Packet) Timescale() uint32 { return p.pid.Timescale() }

// MergeProps copies timing, flags and properties of src into p. Carrying
// properties forward is never automatic.
func (p *Packet) MergeProps(src *Packet) {
	p.dts = src.dts
	p.cts = src.cts
	p.sap = src.sap
	p.duration = src.duration
	p.corrupted = src.corrupted
	p.byteOffset = src.byteOffset
	if src.props != nil {
		src.props.MergeInto(p.Props())
	}
}

// CopyTo copies the payload into dst.
func (p *Packet) CopyTo(dst []byte) (int, error) {
	if len(dst) < len(p.data) {
		return 0, &BufferTooSmallError{Needed: len(p.data)}
	}
	return copy(dst, p.data), nil
}

// Expand grows an unsent owned packet by n bytes and returns the whole buffer.
func (p *Packet) Expand(n int) ([]byte, error) {
	if p.mode != Owned || p.sent {
		return nil, NewError(CodeBadParameter, "only unsent owned packets can grow", nil)
	}
	p.data = slices.Grow(p.data, n)[:len(p.data)+n]
	return p.data, nil
}

// Truncate shrinks an unsent packet to size bytes.
func (p *Packet) Truncate(size int) error {
	if p.sent || size < 0 || size > len(p.data) {
		return NewError(CodeBadParameter, fmt.Sprintf("cannot truncate %d bytes packet to %d", len(p.data), size), nil)
	}
	p.data = p.data[:size]
	return nil
}

// Ref adds a reference, keeping p alive until a matching Unref.
func (p *Packet) Ref() *Packet {
	p.refs.Add(1)
	return p
}

// Unref drops a reference. The last one destroys the packet.
func (p *Packet) Unref() {
	if p.refs.Add(-1) == 0 {
		p.destroy()
	}
}

// Refs returns the current reference count.
func (p *Packet) Refs() int32 { return p.refs.Load() }

func (p *Packet) destroy() {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	livePackets.Add(-1)
	switch p.mode {
	case Shared:
		if p.release != nil {
			p.release()
		}
	case Ref:
		if p.source != nil {
			p.source.Unref()
		}
	}
	p.data = nil
	p.source = nil
	p.release = nil
}

// Send enqueues p on its pid. Ownership of the producer reference moves to
// the queue, even on error.
func (p *Packet) Send() error {
	if p.sent {
		return NewError(CodeBadParameter, "packet already sent", nil)
	}
	p.sent = true
	return p.pid.send(p)
}

// Discard releases an unsent packet without delivering it.
func (p *Packet) Discard() error {
	if p.sent {
		return NewError(CodeBadParameter, "packet already sent", nil)
	}
	p.sent = true
	p.Unref()
	return nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("pck(%s size=%d dts=%d cts=%d dur=%d start=%t end=%t)",
		p.mode, len(p.data), int64(p.dts), int64(p.cts), p.duration, p.start, p.end)
}
