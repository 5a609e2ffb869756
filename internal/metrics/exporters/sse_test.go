package exporters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/sched"
)

type mockEventBus struct {
	mu        sync.Mutex
	events    []events.Event
	published chan struct{}
}

func newMockEventBus() *mockEventBus {
	return &mockEventBus{
		events:    make([]events.Event, 0),
		published: make(chan struct{}, 100),
	}
}

func (m *mockEventBus) Publish(ev events.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	select {
	case m.published <- struct{}{}:
	default:
	}
}

func (m *mockEventBus) getEvents() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]events.Event, len(m.events))
	copy(result, m.events)
	return result
}

type fakeSession struct{}

func (fakeSession) Stats() filter.Stats {
	return filter.Stats{
		ID:          "session-1",
		Instances:   make([]filter.InstanceStats, 3),
		Scheduler:   sched.Stats{Workers: 2, Queued: 1, Runs: 42},
		LivePackets: 7,
	}
}

func (fakeSession) BlockedPids() int { return 2 }

func TestSSEExporterPublishesStats(t *testing.T) {
	mock := newMockEventBus()
	exporter := NewSSEExporter(mock, fakeSession{}, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	exporter.Start(ctx)

	select {
	case <-mock.published:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stats publish")
	}

	cancel()
	exporter.Stop()

	evts := mock.getEvents()
	if len(evts) == 0 {
		t.Fatal("expected at least one event")
	}
	ev, ok := evts[0].(events.SessionStatsEvent)
	if !ok {
		t.Fatalf("event type = %T, want SessionStatsEvent", evts[0])
	}
	want := events.SessionStatsEvent{
		SessionID:   "session-1",
		Instances:   3,
		LivePackets: 7,
		QueuedTasks: 1,
		TaskRuns:    42,
		BlockedPids: 2,
	}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}
}

func TestSSEExporterStopWithoutStart(t *testing.T) {
	exporter := NewSSEExporter(newMockEventBus(), fakeSession{}, 0)
	if exporter.interval != time.Second {
		t.Errorf("interval = %v, want 1s", exporter.interval)
	}
	exporter.Stop()
}

func TestGetEventTypesForEndpoint(t *testing.T) {
	if _, ok := GetEventTypesForEndpoint("events")["session-stats"]; !ok {
		t.Error("events endpoint should carry session-stats")
	}
	if got := GetEventTypesForEndpoint("logs"); len(got) != 0 {
		t.Errorf("logs endpoint types = %v, want none", got)
	}
}
