package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan PidConnectedEvent, 1)

	unsub := bus.Subscribe(func(e PidConnectedEvent) {
		received <- e
	})
	defer unsub()

	event := PidConnectedEvent{
		Producer:  "src",
		Pid:       "PID1",
		Consumer:  "sink",
		Timestamp: "2025-01-27T10:30:00Z",
	}
	bus.Publish(event)

	got := <-received
	if got.Consumer != event.Consumer {
		t.Errorf("Expected consumer %s, got %s", event.Consumer, got.Consumer)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan FilterStateChangedEvent, 1)
	received2 := make(chan FilterStateChangedEvent, 1)

	unsub1 := bus.Subscribe(func(e FilterStateChangedEvent) {
		received1 <- e
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(e FilterStateChangedEvent) {
		received2 <- e
	})
	defer unsub2()

	bus.Publish(FilterStateChangedEvent{InstanceID: "src", State: "initialized"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan FilterFailedEvent, 1)

	unsub := bus.Subscribe(func(e FilterFailedEvent) {
		received <- e
	})

	bus.Publish(FilterFailedEvent{InstanceID: "a"})
	<-received

	unsub()

	bus.Publish(FilterFailedEvent{InstanceID: "b"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
		// Expected - no event
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	connected := make(chan bool, 1)
	disconnected := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ PidConnectedEvent) {
		connected <- true
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(_ PidDisconnectedEvent) {
		disconnected <- true
	})
	defer unsub2()

	bus.Publish(PidConnectedEvent{Pid: "PID1"})
	<-connected

	select {
	case <-disconnected:
		t.Fatal("Disconnect subscriber should NOT have received PidConnectedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}

	bus.Publish(PidDisconnectedEvent{Pid: "PID1"})
	<-disconnected

	select {
	case <-connected:
		t.Fatal("Connect subscriber should NOT have received PidDisconnectedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}
}

func TestBus_ThreadSafety(_ *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100
	expected := numGoroutines * eventsPerGoroutine

	receivedCh := make(chan bool, expected)

	unsub := bus.Subscribe(func(_ SessionStatsEvent) {
		receivedCh <- true
	})
	defer unsub()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				bus.Publish(SessionStatsEvent{Instances: 1})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func TestBus_AllEventTypes(t *testing.T) {
	bus := New()

	tests := []struct {
		name  string
		event Event
	}{
		{"FilterStateChanged", FilterStateChangedEvent{InstanceID: "src"}},
		{"PidConnected", PidConnectedEvent{Pid: "PID1"}},
		{"PidDisconnected", PidDisconnectedEvent{Pid: "PID1"}},
		{"FilterFailed", FilterFailedEvent{Code: "FATAL"}},
		{"SessionIdle", SessionIdleEvent{SessionID: "s"}},
		{"SessionStats", SessionStatsEvent{Instances: 2}},
		{"LogEntry", LogEntryEvent{Message: "hello"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(_ *testing.T) {
			received := make(chan Event, 1)

			var unsub func()
			switch tt.event.(type) {
			case FilterStateChangedEvent:
				unsub = bus.Subscribe(func(e FilterStateChangedEvent) { received <- e })
			case PidConnectedEvent:
				unsub = bus.Subscribe(func(e PidConnectedEvent) { received <- e })
			case PidDisconnectedEvent:
				unsub = bus.Subscribe(func(e PidDisconnectedEvent) { received <- e })
			case FilterFailedEvent:
				unsub = bus.Subscribe(func(e FilterFailedEvent) { received <- e })
			case SessionIdleEvent:
				unsub = bus.Subscribe(func(e SessionIdleEvent) { received <- e })
			case SessionStatsEvent:
				unsub = bus.Subscribe(func(e SessionStatsEvent) { received <- e })
			case LogEntryEvent:
				unsub = bus.Subscribe(func(e LogEntryEvent) { received <- e })
			}
			defer unsub()

			bus.Publish(tt.event)
			<-received
		})
	}
}

func TestBus_UnknownHandler(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(string) {})
	if unsub == nil {
		t.Fatal("Expected a no-op unsubscribe function")
	}
	unsub()
}

func TestEventJSONSerialization(t *testing.T) {
	tests := []struct {
		name  string
		event any
	}{
		{
			"FilterFailedEvent",
			FilterFailedEvent{
				InstanceID: "src",
				Filter:     "testsrc",
				Code:       "IO_FAILURE",
				Error:      "read failed",
				Timestamp:  "2025-01-27T10:30:00Z",
			},
		},
		{
			"PidConnectedEvent",
			PidConnectedEvent{
				Producer:  "src",
				Pid:       "PID1",
				Consumer:  "sink",
				Timestamp: "2025-01-27T10:30:00Z",
			},
		},
		{
			"SessionIdleEvent",
			SessionIdleEvent{
				SessionID: "abc",
				Timestamp: "2025-01-27T10:30:00Z",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Failed to marshal: %v", err)
			}

			var result map[string]any
			if unmarshalErr := json.Unmarshal(data, &result); unmarshalErr != nil {
				t.Fatalf("Failed to unmarshal: %v", unmarshalErr)
			}

			if len(result) == 0 {
				t.Fatal("Unmarshaled to empty object")
			}
		})
	}
}

func TestSessionIdleEvent_OmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(SessionIdleEvent{SessionID: "abc"})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if _, ok := result["error"]; ok {
		t.Error("Expected error field to be omitted")
	}
}

func TestStreamDeliversWatchedEvents(t *testing.T) {
	bus := New()
	st := NewStream(10, nil)
	Watch[FilterFailedEvent](bus, st)
	defer st.Close()

	bus.Publish(FilterFailedEvent{InstanceID: "src", Code: "FATAL"})
	bus.Publish(PidConnectedEvent{Producer: "src", Consumer: "sink"})

	received := <-st.C
	failed, ok := received.(FilterFailedEvent)
	if !ok {
		t.Fatalf("Expected FilterFailedEvent, got %T", received)
	}
	if failed.InstanceID != "src" {
		t.Errorf("Expected instance_id src, got %s", failed.InstanceID)
	}
	select {
	case ev := <-st.C:
		t.Errorf("Unwatched event delivered: %T", ev)
	default:
	}
}

func TestStreamCountsDrops(t *testing.T) {
	bus := New()
	st := NewStream(1, nil)
	Watch[LogEntryEvent](bus, st)

	// publishing on a full stream must not block
	bus.Publish(LogEntryEvent{Message: "one"})
	bus.Publish(LogEntryEvent{Message: "two"})
	if got := (<-st.C).(LogEntryEvent).Message; got != "one" {
		t.Errorf("Expected first entry, got %q", got)
	}
	if st.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", st.Dropped())
	}

	st.Close()
	bus.Publish(LogEntryEvent{Message: "three"})
	if len(st.C) != 0 {
		t.Error("Closed stream still receives events")
	}
}

func TestStreamForInstance(t *testing.T) {
	bus := New()
	st := NewStream(10, ForInstance("sink"))
	Watch[PidConnectedEvent](bus, st)
	Watch[FilterStateChangedEvent](bus, st)
	Watch[SessionIdleEvent](bus, st)
	defer st.Close()

	bus.Publish(FilterStateChangedEvent{InstanceID: "src", State: "processing"})
	bus.Publish(PidConnectedEvent{Producer: "src", Consumer: "sink"})
	bus.Publish(FilterStateChangedEvent{InstanceID: "sink", State: "processing"})
	bus.Publish(SessionIdleEvent{SessionID: "s1"})

	if len(st.C) != 3 {
		t.Fatalf("Expected 3 events for sink, got %d", len(st.C))
	}
	if _, ok := (<-st.C).(PidConnectedEvent); !ok {
		t.Error("Expected the pid connection first")
	}
}
