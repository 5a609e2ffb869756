package api

import (
	"context"
	"maps"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/metrics/exporters"
)

// EventStreamInput narrows the engine event stream.
type EventStreamInput struct {
	Instance string `query:"instance" doc:"Only events concerning this filter instance; session-wide events are always sent"`
}

// registerSSERoutes registers the engine event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of instance state changes, pid connections, failures and session statistics",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func() map[string]any {
		eventTypes := map[string]any{
			"filter-state-changed": events.FilterStateChangedEvent{},
			"pid-connected":        events.PidConnectedEvent{},
			"pid-disconnected":     events.PidDisconnectedEvent{},
			"filter-failed":        events.FilterFailedEvent{},
			"session-idle":         events.SessionIdleEvent{},
		}

		// Periodic statistics published by the SSE exporter
		maps.Copy(eventTypes, exporters.GetEventTypesForEndpoint("events"))

		return eventTypes
	}(), func(ctx context.Context, input *EventStreamInput, send sse.Sender) {
		var keep func(events.Event) bool
		if input.Instance != "" {
			keep = events.ForInstance(input.Instance)
		}
		st := events.NewStream(64, keep)
		events.Watch[events.FilterStateChangedEvent](s.eventBus, st)
		events.Watch[events.PidConnectedEvent](s.eventBus, st)
		events.Watch[events.PidDisconnectedEvent](s.eventBus, st)
		events.Watch[events.FilterFailedEvent](s.eventBus, st)
		events.Watch[events.SessionIdleEvent](s.eventBus, st)
		events.Watch[events.SessionStatsEvent](s.eventBus, st)
		defer func() {
			if n := st.Dropped(); n > 0 {
				s.logger.Warn("Event stream client fell behind", "dropped", n, "instance", input.Instance)
			}
			st.Close()
		}()

		// Initial snapshot so clients see the current counters right away
		if s.session != nil {
			if err := send.Data(s.statsEvent()); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-st.C:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

func (s *Server) statsEvent() events.SessionStatsEvent {
	st := s.session.Stats()
	return events.SessionStatsEvent{
		SessionID:   st.ID,
		Instances:   len(st.Instances),
		LivePackets: st.LivePackets,
		QueuedTasks: st.Scheduler.Queued,
		TaskRuns:    st.Scheduler.Runs,
		BlockedPids: s.session.BlockedPids(),
	}
}
