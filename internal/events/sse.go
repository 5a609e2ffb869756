package events

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/event"
)

// Stream feeds one server-sent event client. The bus calls subscribers
// synchronously, so events are handed over on a buffered channel the
// handler selects on; events published while C is full are dropped and
// counted.
type Stream struct {
	C chan any

	keep    func(Event) bool
	dropped atomic.Uint64

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// NewStream creates a stream buffering up to size events. keep, when set,
// narrows the events delivered.
func NewStream(size int, keep func(Event) bool) *Stream {
	return &Stream{C: make(chan any, size), keep: keep}
}

// Watch adds events of type T to st.
func Watch[T Event](bus *Bus, st *Stream) {
	unsub := event.Subscribe(bus.dispatcher, func(e T) { st.offer(e) })
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		unsub()
		return
	}
	st.unsubs = append(st.unsubs, unsub)
}

func (st *Stream) offer(ev Event) {
	if st.keep != nil && !st.keep(ev) {
		return
	}
	select {
	case st.C <- ev:
	default:
		st.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (st *Stream) Dropped() uint64 { return st.dropped.Load() }

// Close ends every subscription of the stream.
func (st *Stream) Close() {
	st.mu.Lock()
	unsubs := st.unsubs
	st.unsubs = nil
	st.closed = true
	st.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// ForInstance returns a filter keeping the events that concern the filter
// instance id. Session-wide events are always kept.
func ForInstance(id string) func(Event) bool {
	return func(ev Event) bool {
		switch e := ev.(type) {
		case FilterStateChangedEvent:
			return e.InstanceID == id
		case FilterFailedEvent:
			return e.InstanceID == id
		case PidConnectedEvent:
			return e.Producer == id || e.Consumer == id
		case PidDisconnectedEvent:
			return e.Producer == id || e.Consumer == id
		case LogEntryEvent:
			return e.Instance == id
		}
		return true
	}
}
