package filter

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
)

// DefaultTimescale applies to pids without a Timescale property.
const DefaultTimescale = 1000

// Play states of an output pid, driven by the play and stop events of its
// consumer.
const (
	playUnset int32 = iota
	playPlaying
	playStopped
)

// Pid is a typed port of a filter instance. Output pids own the packet
// queue of their edge; input pids read the queue of their peer.
type Pid struct {
	id     uint32
	name   string
	owner  *Instance
	output bool

	mu    sync.RWMutex
	props *props.Bag
	info  *props.Bag

	// output side, touched by the owner task only
	q         *queue
	linked    bool
	dirty     bool
	infoDirty bool
	durInit   bool
	lastDTS   uint64
	lastCTS   uint64
	minDur    atomic.Uint32
	removed   bool
	adapted   atomic.Bool
	play      atomic.Int32
	eosSent   atomic.Bool

	// input side, touched by the owner task only
	peer         *Pid
	eos          atomic.Bool
	err          error
	disconnected bool
	want         *props.Bag
	negotiating  atomic.Bool

	packetsSent    atomic.Uint64
	bytesSent      atomic.Uint64
	packetsDropped atomic.Uint64
}

// ID returns the session-unique pid number.
func (p *Pid) ID() uint32 { return p.id }

// Name returns the pid name.
func (p *Pid) Name() string { return p.name }

// SetName renames the pid.
func (p *Pid) SetName(name string) { p.name = name }

// Owner returns the instance the pid belongs to.
func (p *Pid) Owner() *Instance { return p.owner }

// IsOutput reports whether p is an output pid.
func (p *Pid) IsOutput() bool { return p.output }

// Peer returns the pid at the other end of the edge, or nil.
func (p *Pid) Peer() *Pid {
	if !p.output {
		return p.peer
	}
	p.q.mu.Lock()
	defer p.q.mu.Unlock()
	return p.q.consumer
}

func (p *Pid) String() string {
	if p.owner == nil {
		return p.name
	}
	return p.owner.id + "." + p.name
}

// SetProp sets a property on an output pid. Changes made after the pid is
// connected reach the consumer with the next packet sent.
func (p *Pid) SetProp(k props.Key, v props.Value) {
	if !p.output {
		p.owner.logger.Warn("Ignoring property change on input pid", "pid", p.name, "key", k.String())
		return
	}
	p.mu.Lock()
	p.props.Set(k, v)
	p.mu.Unlock()
	if p.linked {
		p.dirty = true
	}
}

// SetPropCode sets a built-in property.
func (p *Pid) SetPropCode(c props.Code, v props.Value) { p.SetProp(props.K(c), v) }

// Prop returns a property.
func (p *Pid) Prop(k props.Key) (props.Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.props.Get(k)
}

// PropCode returns a built-in property.
func (p *Pid) PropCode(c props.Code) (props.Value, bool) { return p.Prop(props.K(c)) }

// Props returns the property bag. Only the owning instance may use it
// directly; other goroutines use PropsSnapshot.
func (p *Pid) Props() *props.Bag { return p.props }

// PropsSnapshot returns a copy of the properties, safe from any goroutine.
func (p *Pid) PropsSnapshot() *props.Bag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.props.Clone()
}

// CopyProps copies every property of src onto an output pid.
func (p *Pid) CopyProps(src *Pid) {
	snap := src.PropsSnapshot()
	for k, v := range snap.All() {
		p.SetProp(k, v)
	}
}

// SetInfo sets an informational property on an output pid. Unlike SetProp
// it never reconfigures the consumer: the change travels with the next
// packet and is announced by an info_update event.
func (p *Pid) SetInfo(k props.Key, v props.Value) error {
	if !p.output {
		return NewError(CodeBadParameter, "info properties are set on output pids", nil)
	}
	if v.Kind() == props.KindPointer {
		return NewError(CodeBadParameter, "info properties cannot hold pointers", nil)
	}
	p.mu.Lock()
	if p.info == nil {
		p.info = props.NewBag()
	}
	p.info.Set(k, v)
	p.mu.Unlock()
	if p.linked {
		p.infoDirty = true
	}
	return nil
}

// SetInfoCode sets a built-in informational property.
func (p *Pid) SetInfoCode(c props.Code, v props.Value) error { return p.SetInfo(props.K(c), v) }

// Info returns an informational property. On an input pid the lookup walks
// up the chain of producers until one declares the key.
func (p *Pid) Info(k props.Key) (props.Value, bool) {
	p.mu.RLock()
	v, ok := p.info.Get(k)
	p.mu.RUnlock()
	if ok || p.output || p.peer == nil {
		return v, ok
	}
	for _, in := range p.peer.owner.Inputs() {
		if v, ok := in.Info(k); ok {
			return v, true
		}
	}
	return props.Value{}, false
}

// InfoCode returns a built-in informational property.
func (p *Pid) InfoCode(c props.Code) (props.Value, bool) { return p.Info(props.K(c)) }

func (p *Pid) infoSnapshot() *props.Bag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.info == nil {
		return nil
	}
	return p.info.Clone()
}

// NegotiateProp asks, from ConfigurePid on an input pid, for the producer
// to emit value under k instead. Packets are held back until the producer
// has reconfigured its output or an adapter producing the value is
// inserted; the consumer then gets ConfigurePid again.
func (p *Pid) NegotiateProp(k props.Key, v props.Value) error {
	if p.output {
		return NewError(CodeBadParameter, "negotiation happens on input pids", nil)
	}
	if p.want == nil {
		p.want = props.NewBag()
	}
	p.want.Set(k, v)
	return nil
}

// NegotiatePropCode asks for a built-in property value.
func (p *Pid) NegotiatePropCode(c props.Code, v props.Value) error {
	return p.NegotiateProp(props.K(c), v)
}

// SetDiscard makes an input pid drop everything its producer sends.
// Queued packets are released at once and the pid reads as ended. Turning
// discard off again resumes delivery with the next packet sent.
func (p *Pid) SetDiscard(on bool) error {
	q := p.edge()
	if p.output || q == nil {
		return NewError(CodeBadParameter, "discard applies to connected input pids", nil)
	}
	q.mu.Lock()
	if q.discard == on {
		q.mu.Unlock()
		return nil
	}
	q.discard = on
	q.discarder = p
	var dropped []*Packet
	unblocked := false
	if on {
		dropped, unblocked = q.discardLocked()
	}
	q.mu.Unlock()

	for _, pk := range dropped {
		p.packetsDropped.Add(1)
		metrics.IncrementPacketsDropped(p.owner.desc.Name)
		pk.Unref()
	}
	if unblocked {
		metrics.PidBlocked(false)
		p.peer.owner.post()
	}
	if on {
		p.owner.logger.Info("Discarding packets", "pid", p.name, "producer", p.peer.owner.id, "dropped", len(dropped))
		p.eos.Store(true)
	} else {
		p.eos.Store(p.peer.eosSent.Load())
	}
	return nil
}

// Discarding reports whether an input pid drops its packets.
func (p *Pid) Discarding() bool {
	q := p.edge()
	if p.output || q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discard
}

// Timescale returns the pid timescale.
func (p *Pid) Timescale() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ts := p.props.Uint(props.Timescale, DefaultTimescale); ts > 0 {
		return uint32(ts)
	}
	return DefaultTimescale
}

// MinDuration returns the smallest packet duration seen on an output pid.
func (p *Pid) MinDuration() uint32 { return p.minDur.Load() }

// edge returns the queue of the edge p belongs to.
func (p *Pid) edge() *queue {
	if p.output {
		return p.q
	}
	if p.peer == nil {
		return nil
	}
	return p.peer.q
}

// NewPacket allocates an owned packet of size bytes on an output pid.
func (p *Pid) NewPacket(size int) (*Packet, []byte, error) {
	if !p.output {
		return nil, nil, NewError(CodeBadParameter, "packets are allocated on output pids", nil)
	}
	if size < 0 {
		return nil, nil, NewError(CodeBadParameter, fmt.Sprintf("invalid packet size %d", size), nil)
	}
	pk := newPacket(p, Owned, make([]byte, size))
	return pk, pk.data, nil
}

// NewShared wraps an external buffer. release runs once, after the last
// reference is gone.
func (p *Pid) NewShared(data []byte, release func()) (*Packet, error) {
	if !p.output {
		return nil, NewError(CodeBadParameter, "packets are allocated on output pids", nil)
	}
	pk := newPacket(p, Shared, data)
	pk.release = release
	return pk, nil
}

// NewRef creates a packet viewing data, a window into source, and keeps
// source alive until the new packet is destroyed. A nil data views the
// whole source.
func (p *Pid) NewRef(source *Packet, data []byte) (*Packet, error) {
	if !p.output {
		return nil, NewError(CodeBadParameter, "packets are allocated on output pids", nil)
	}
	if source == nil {
		return nil, NewError(CodeBadParameter, "reference packet needs a source", nil)
	}
	if data == nil {
		data = source.data
	}
	pk := newPacket(p, Ref, data)
	pk.source = source.Ref()
	return pk, nil
}

// NewCopy creates an owned copy of source, payload, timing and properties.
func (p *Pid) NewCopy(source *Packet) (*Packet, error) {
	pk, buf, err := p.NewPacket(len(source.data))
	if err != nil {
		return nil, err
	}
	copy(buf, source.data)
	pk.MergeProps(source)
	pk.start, pk.end, pk.seek = source.start, source.end, source.seek
	return pk, nil
}

// Forward creates a reference to the whole of source with its timing,
// framing and properties.
func (p *Pid) Forward(source *Packet) (*Packet, error) {
	pk, err := p.NewRef(source, nil)
	if err != nil {
		return nil, err
	}
	pk.MergeProps(source)
	pk.start, pk.end, pk.seek = source.start, source.end, source.seek
	return pk, nil
}

func (p *Pid) inferDuration(pk *Packet) {
	if !pk.start {
		return
	}
	var d uint64
	switch {
	case !p.durInit:
		p.durInit = true
		p.lastDTS, p.lastCTS = pk.dts, pk.cts
	case pk.duration == 0:
		if pk.dts != NoTS && p.lastDTS != NoTS && pk.dts > p.lastDTS {
			d = pk.dts - p.lastDTS
		} else if pk.cts != NoTS && p.lastCTS != NoTS && pk.cts != p.lastCTS {
			if pk.cts > p.lastCTS {
				d = pk.cts - p.lastCTS
			} else {
				d = p.lastCTS - pk.cts
			}
		}
		p.lastDTS, p.lastCTS = pk.dts, pk.cts
	default:
		d = uint64(pk.duration)
		p.lastDTS, p.lastCTS = pk.dts, pk.cts
	}
	if d == 0 || d > uint64(^uint32(0)) {
		return
	}
	if m := p.minDur.Load(); m == 0 || uint32(d) < m {
		p.minDur.Store(uint32(d))
	}
	if pk.duration == 0 {
		pk.duration = uint32(d)
	}
}

func (p *Pid) send(pk *Packet) error {
	if !p.output || pk.pid != p {
		pk.Unref()
		return NewError(CodeBadParameter, "packet sent on a foreign pid", nil)
	}
	if p.removed {
		pk.Unref()
		return ErrNotConnected
	}
	p.inferDuration(pk)
	if p.dirty {
		pk.pidProps = p.PropsSnapshot()
		p.dirty = false
	}
	if p.infoDirty {
		pk.pidInfo = p.infoSnapshot()
		p.infoDirty = false
	}
	p.eosSent.Store(false)
	if pk.duration > 0 {
		pk.qdur = uint64(pk.duration) * 1_000_000 / uint64(p.Timescale())
	}

	size := len(pk.data)
	consumer, blocked, released, discarded, err := p.q.enqueue(pk)
	if err != nil {
		pk.Unref()
		return err
	}
	for _, r := range released {
		r.Unref()
	}
	p.packetsSent.Add(1)
	p.bytesSent.Add(uint64(size))
	metrics.IncrementPacketsSent(p.owner.desc.Name, size)
	if discarded {
		consumer.packetsDropped.Add(1)
		metrics.IncrementPacketsDropped(consumer.owner.desc.Name)
		return nil
	}
	if blocked {
		metrics.PidBlocked(true)
	}
	if consumer != nil {
		consumer.owner.wakeForInput()
	}
	return nil
}

// SetEOS signals the end of the stream on an output pid. The consumer sees
// IsEOS once it has read every packet sent before.
func (p *Pid) SetEOS() {
	p.eosSent.Store(true)
	p.sendMarker(nil, false)
}

func (p *Pid) sendMarker(err error, remove bool) {
	if !p.output {
		return
	}
	m := newPacket(p, Owned, nil)
	m.eos = true
	m.eosErr = err
	m.remove = remove
	m.sent = true
	consumer, blocked, _, _, qerr := p.q.enqueue(m)
	if qerr != nil {
		m.Unref()
		return
	}
	if blocked {
		metrics.PidBlocked(true)
	}
	if consumer != nil {
		consumer.owner.wakeForInput()
	}
}

// consumeMarker handles an end-of-stream marker popped from the head of the
// queue.
func (p *Pid) consumeMarker(m *Packet) {
	p.eos.Store(true)
	p.err = m.eosErr
	if m.remove {
		f := p.owner
		f.addJob(func() { f.s.disconnectInput(p) })
	}
	m.Unref()
}

// GetPacket returns the packet at the head of an input pid without
// removing it, or nil. Pending property changes are applied first, and an
// info_update event is delivered for changed info properties.
func (p *Pid) GetPacket() *Packet {
	q := p.edge()
	if p.output || q == nil || p.disconnected || p.negotiating.Load() {
		return nil
	}
	for {
		q.mu.Lock()
		head := q.headLocked()
		if head == nil {
			q.mu.Unlock()
			return nil
		}
		if head.eos {
			q.popLocked()
			q.mu.Unlock()
			p.consumeMarker(head)
			continue
		}
		q.mu.Unlock()

		p.eos.Store(false)
		if head.pidInfo != nil && !head.infoApplied {
			head.infoApplied = true
			p.adoptInfo(head.pidInfo)
		}
		if head.pidProps != nil && !head.applied {
			head.applied = true
			if !p.reconfigure(head.pidProps) {
				return nil
			}
		}
		return head
	}
}

func (p *Pid) adoptInfo(info *props.Bag) {
	p.mu.Lock()
	p.info = info
	p.mu.Unlock()
	f := p.owner
	f.callEvent(&Event{Type: EventInfoUpdate, Pid: p})
}

// reconfigure adopts new producer properties and reports whether the
// consumer accepted them.
func (p *Pid) reconfigure(snap *props.Bag) bool {
	p.mu.Lock()
	p.props = snap
	p.mu.Unlock()

	f := p.owner
	err := f.callConfigurePid(p, false)
	switch {
	case err == nil:
		if p.want != nil {
			f.s.negotiate(p)
			return false
		}
		return true
	case errors.Is(err, ErrCapabilityMismatch):
		f.logger.Info("Pid properties no longer accepted, relinking", "pid", p.name)
		f.s.relink(p, snap)
	default:
		f.fail(err)
	}
	return false
}

// DropPacket releases the packet at the head of an input pid.
func (p *Pid) DropPacket() {
	q := p.edge()
	if p.output || q == nil || p.disconnected {
		return
	}
	q.mu.Lock()
	pk, unblocked := q.popLocked()
	q.mu.Unlock()
	if pk == nil {
		return
	}
	if unblocked {
		metrics.PidBlocked(false)
		p.peer.owner.post()
	}
	if pk.eos {
		p.consumeMarker(pk)
		return
	}
	pk.Unref()
	p.packetsDropped.Add(1)
	metrics.IncrementPacketsDropped(p.owner.desc.Name)
}

// IsEOS reports whether an input pid reached an end-of-stream marker and
// holds no further packet.
func (p *Pid) IsEOS() bool {
	q := p.edge()
	if p.output || q == nil || p.disconnected {
		return p.eos.Load()
	}
	for {
		q.mu.Lock()
		head := q.headLocked()
		if head == nil || !head.eos {
			empty := head == nil
			q.mu.Unlock()
			return p.eos.Load() && empty
		}
		q.popLocked()
		q.mu.Unlock()
		p.consumeMarker(head)
	}
}

// Err returns the error carried by the end-of-stream marker of a failed
// producer.
func (p *Pid) Err() error { return p.err }

// SetFramingMode asks, on an input pid, for whole frames only. Queued and
// future fragments are reassembled before the consumer sees them.
func (p *Pid) SetFramingMode(full bool) {
	q := p.edge()
	if p.output || q == nil {
		return
	}
	for _, r := range q.setFull(full) {
		r.Unref()
	}
}

// QueueLen returns the number of packets waiting on the edge.
func (p *Pid) QueueLen() int {
	q := p.edge()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.units
}

// hasQueued reports whether packets or markers wait on an input pid.
func (p *Pid) hasQueued() bool {
	q := p.edge()
	if q == nil || p.disconnected || p.negotiating.Load() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// WouldBlock reports whether an output pid holds enough packets that the
// producer should pause. Unconnected pids never block.
func (p *Pid) WouldBlock() bool {
	if !p.output {
		return false
	}
	p.q.mu.Lock()
	defer p.q.mu.Unlock()
	return p.q.overLocked()
}

// Connected reports whether an output pid has a consumer or one pending.
func (p *Pid) Connected() bool {
	q := p.edge()
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumer != nil || q.pending
}

// Stopped reports whether the consumer of an output pid stopped it. The
// engine never drops packets sent on a stopped pid: sources check Stopped
// and skip those outputs until a play event resumes them.
func (p *Pid) Stopped() bool { return p.play.Load() == playStopped }

// setPlay records a play or stop request and reports whether it changed
// the state of the pid. The first request after connection always counts.
func (p *Pid) setPlay(stop bool) bool {
	state := playPlaying
	if stop {
		state = playStopped
	}
	return p.play.Swap(state) != state
}

// SendEvent sends ev from p: upstream events leave through input pids,
// downstream events through output pids.
func (p *Pid) SendEvent(ev *Event) {
	p.owner.s.routeEvent(p, ev)
}

// PidStats is a snapshot of pid counters.
type PidStats struct {
	ID             uint32            `json:"id"`
	Name           string            `json:"name"`
	Output         bool              `json:"output"`
	Peer           string            `json:"peer,omitempty"`
	PacketsSent    uint64            `json:"packets_sent"`
	BytesSent      uint64            `json:"bytes_sent"`
	PacketsDropped uint64            `json:"packets_dropped"`
	QueueLen       int               `json:"queue_len"`
	QueueBytes     int               `json:"queue_bytes"`
	QueueDuration  uint64            `json:"queue_duration_us"`
	Blocked        bool              `json:"blocked"`
	Stopped        bool              `json:"stopped"`
	EOS            bool              `json:"eos"`
	MinDuration    uint32            `json:"min_duration"`
	Props          map[string]string `json:"props"`
}

// Stats returns a snapshot of the pid counters.
func (p *Pid) Stats() PidStats {
	st := PidStats{
		ID:             p.id,
		Name:           p.name,
		Output:         p.output,
		PacketsSent:    p.packetsSent.Load(),
		BytesSent:      p.bytesSent.Load(),
		PacketsDropped: p.packetsDropped.Load(),
		Props:          p.PropsSnapshot().Map(),
	}
	if peer := p.Peer(); peer != nil {
		st.Peer = peer.String()
	}
	if q := p.edge(); q != nil {
		st.QueueLen, st.QueueBytes, st.QueueDuration, st.Blocked = q.snapshot()
	}
	if p.output {
		st.Stopped = p.Stopped()
		st.MinDuration = p.minDur.Load()
		if peer := p.Peer(); peer != nil {
			st.PacketsDropped = peer.packetsDropped.Load()
		}
	} else {
		st.EOS = p.eos.Load()
		if p.peer != nil {
			st.PacketsSent = p.peer.packetsSent.Load()
			st.BytesSent = p.peer.bytesSent.Load()
		}
	}
	return st
}
