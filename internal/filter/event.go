package filter

import "fmt"

// EventType names a control event.
type EventType string

// Control events.
const (
	EventPlay        EventType = "play"
	EventStop        EventType = "stop"
	EventSourceSeek  EventType = "source_seek"
	EventAttachScene EventType = "attach_scene"
	EventResetScene  EventType = "reset_scene"
	EventInfoUpdate  EventType = "info_update"
)

// Upstream reports whether events of type t travel from sinks toward sources.
func (t EventType) Upstream() bool {
	switch t {
	case EventPlay, EventStop, EventSourceSeek:
		return true
	}
	return false
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPlay, EventStop, EventSourceSeek, EventAttachScene, EventResetScene, EventInfoUpdate:
		return true
	}
	return false
}

// Event is a control event. Pid is the pid the event arrives on at the
// receiving instance: an output pid for upstream events, an input pid for
// downstream ones.
type Event struct {
	Type EventType
	Pid  *Pid

	// Play
	Start float64
	End   float64
	Speed float64

	// SourceSeek, in bytes
	Offset int64

	// AttachScene
	Target *Pid
}

// Play returns a play event for the range [start, end); end <= 0 plays to the end.
func Play(start, end float64) *Event {
	return &Event{Type: EventPlay, Start: start, End: end, Speed: 1}
}

// Stop returns a stop event.
func Stop() *Event { return &Event{Type: EventStop} }

// SourceSeek returns a seek event to a byte offset.
func SourceSeek(offset int64) *Event { return &Event{Type: EventSourceSeek, Offset: offset} }

// AttachScene returns an attach event for target.
func AttachScene(target *Pid) *Event { return &Event{Type: EventAttachScene, Target: target} }

// ResetScene returns a reset event.
func ResetScene() *Event { return &Event{Type: EventResetScene} }

// Clone returns a copy of ev bound to pid.
func (ev *Event) Clone(pid *Pid) *Event {
	c := *ev
	c.Pid = pid
	return &c
}

func (ev *Event) String() string {
	switch ev.Type {
	case EventPlay:
		return fmt.Sprintf("play(%g-%g x%g)", ev.Start, ev.End, ev.Speed)
	case EventSourceSeek:
		return fmt.Sprintf("source_seek(%d)", ev.Offset)
	}
	return string(ev.Type)
}
