package filter

import (
	"sync"

	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
)

// Default buffer threshold of an output pid.
const DefaultBlockUnits = 4

// queue is the packet FIFO between an output pid and its consumer. It is
// the only state the two instances share.
type queue struct {
	mu       sync.Mutex
	items    []*Packet
	units    int
	bytes    int
	durUS    uint64
	asm      *Packet
	consumer *Pid
	pending  bool
	full     bool
	blocked  bool
	discard  bool
	// input pid that turned discard on
	discarder *Pid

	// property snapshots of discarded packets, handed to the next
	// packet queued
	heldProps *props.Bag
	heldInfo  *props.Bag

	maxUnits int
	maxDurUS uint64
}

func newQueue(maxUnits int, maxDurUS uint64) *queue {
	if maxUnits <= 0 {
		maxUnits = DefaultBlockUnits
	}
	return &queue{maxUnits: maxUnits, maxDurUS: maxDurUS}
}

func (q *queue) overLocked() bool {
	if q.consumer == nil && !q.pending {
		return false
	}
	if q.units >= q.maxUnits {
		return true
	}
	return q.maxDurUS > 0 && q.durUS >= q.maxDurUS
}

// pushLocked appends p. It reports whether the queue just became blocked.
func (q *queue) pushLocked(p *Packet) bool {
	q.items = append(q.items, p)
	if !p.eos {
		q.units++
		q.bytes += len(p.data)
		q.durUS += p.qdur
	}
	if !q.blocked && q.overLocked() {
		q.blocked = true
		return true
	}
	return false
}

func (q *queue) headLocked() *Packet {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popLocked removes the head. It reports whether the queue just unblocked.
func (q *queue) popLocked() (*Packet, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if !p.eos {
		q.units--
		q.bytes -= len(p.data)
		q.durUS -= min(p.qdur, q.durUS)
	}
	if q.blocked && !q.overLocked() {
		q.blocked = false
		return p, true
	}
	return p, false
}

// enqueue adds p, reassembling fragments first when the consumer asked for
// full frames. It returns the consumer to wake, whether the queue just
// blocked, and the fragments to unreference once the lock is dropped. When
// the consumer discards its input, p comes back in released with discarded
// set and the discarding pid in place of the consumer.
func (q *queue) enqueue(p *Packet) (consumer *Pid, blocked bool, released []*Packet, discarded bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer == nil && !q.pending {
		return nil, false, nil, false, ErrNotConnected
	}
	if q.discard && !p.eos {
		q.holdLocked(p)
		return q.discarder, false, []*Packet{p}, true, nil
	}
	if !p.eos {
		if p.pidProps == nil {
			p.pidProps = q.heldProps
		}
		if p.pidInfo == nil {
			p.pidInfo = q.heldInfo
		}
		q.heldProps, q.heldInfo = nil, nil
	}
	blocked, released = q.addLocked(p)
	return q.consumer, blocked, released, false, nil
}

func (q *queue) holdLocked(p *Packet) {
	if p.pidProps != nil && !p.applied {
		q.heldProps = p.pidProps
	}
	if p.pidInfo != nil && !p.infoApplied {
		q.heldInfo = p.pidInfo
	}
}

// discardLocked drops every queued packet except markers. It reports the
// dropped packets and whether the queue unblocked.
func (q *queue) discardLocked() (dropped []*Packet, unblocked bool) {
	kept := q.items[:0:0]
	for _, p := range q.items {
		if p.eos {
			kept = append(kept, p)
			continue
		}
		q.holdLocked(p)
		dropped = append(dropped, p)
	}
	if q.asm != nil {
		q.holdLocked(q.asm)
		dropped = append(dropped, q.asm)
		q.asm = nil
	}
	q.items = kept
	q.units, q.bytes, q.durUS = 0, 0, 0
	if q.blocked {
		q.blocked = false
		unblocked = true
	}
	return dropped, unblocked
}

func (q *queue) addLocked(p *Packet) (blocked bool, released []*Packet) {
	if p.eos || !q.full || (p.start && p.end) {
		if q.asm != nil {
			blocked = q.pushLocked(q.asm)
			q.asm = nil
		}
		return q.pushLocked(p) || blocked, nil
	}

	if p.start && q.asm != nil {
		blocked = q.pushLocked(q.asm)
		q.asm = nil
	}
	if q.asm == nil {
		agg := newPacket(p.pid, Owned, append([]byte(nil), p.data...))
		agg.MergeProps(p)
		agg.seek = p.seek
		agg.pidProps = p.pidProps
		agg.pidInfo = p.pidInfo
		agg.sent = true
		if !p.start {
			agg.corrupted = true
		}
		q.asm = agg
	} else {
		if q.asm.byteOffset != NoByteOffset && p.byteOffset != q.asm.byteOffset+int64(len(q.asm.data)) {
			q.asm.byteOffset = NoByteOffset
		}
		q.asm.data = append(q.asm.data, p.data...)
		q.asm.duration += p.duration
		if p.corrupted {
			q.asm.corrupted = true
		}
		if q.asm.pidProps == nil {
			q.asm.pidProps = p.pidProps
		}
		if q.asm.pidInfo == nil {
			q.asm.pidInfo = p.pidInfo
		}
	}
	q.asm.qdur += p.qdur
	released = append(released, p)
	if p.end {
		blocked = q.pushLocked(q.asm) || blocked
		q.asm = nil
	}
	return blocked, released
}

// setFull switches frame reassembly. Fragments queued before it is turned
// on are merged as if they had just arrived.
func (q *queue) setFull(full bool) (released []*Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full == full {
		return nil
	}
	q.full = full
	if !full {
		if q.asm != nil {
			q.pushLocked(q.asm)
			q.asm = nil
		}
		return nil
	}
	items := q.items
	q.items = nil
	q.units, q.bytes, q.durUS = 0, 0, 0
	for _, p := range items {
		_, rel := q.addLocked(p)
		released = append(released, rel...)
	}
	return released
}

// flush drops every queued packet and any partial frame.
func (q *queue) flush() {
	q.mu.Lock()
	items := q.items
	asm := q.asm
	wasBlocked := q.blocked
	q.items = nil
	q.asm = nil
	q.units, q.bytes, q.durUS = 0, 0, 0
	q.blocked = false
	q.mu.Unlock()

	if wasBlocked {
		metrics.PidBlocked(false)
	}
	for _, p := range items {
		p.Unref()
	}
	if asm != nil {
		asm.Unref()
	}
}

func (q *queue) snapshot() (units, bytes int, durUS uint64, blocked bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.units, q.bytes, q.durUS, q.blocked
}
