package events

import (
	"github.com/kelindar/event"
)

// Publisher is implemented by anything events can be published to.
type Publisher interface {
	Publish(ev Event)
}

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(PidConnectedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event dispatches on the static type, so unwrap the interface
	switch e := ev.(type) {
	case FilterStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case PidConnectedEvent:
		event.Publish(b.dispatcher, e)
	case PidDisconnectedEvent:
		event.Publish(b.dispatcher, e)
	case FilterFailedEvent:
		event.Publish(b.dispatcher, e)
	case SessionIdleEvent:
		event.Publish(b.dispatcher, e)
	case SessionStatsEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives (type inference)
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e FilterFailedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(FilterStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PidConnectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PidDisconnectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FilterFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SessionIdleEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SessionStatsEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}
