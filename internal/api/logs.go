package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/logging"
)

// LogStreamInput narrows the log stream.
type LogStreamInput struct {
	Instance string `query:"instance" doc:"Only entries concerning this filter instance"`
	Level    string `query:"level" enum:"debug,info,warn,error" doc:"Lowest level streamed"`
	After    uint64 `query:"after" doc:"Skip history up to this sequence number, for resuming"`
}

func (in *LogStreamInput) query() logging.Query {
	return logging.Query{After: in.After, Instance: in.Instance, MinLevel: in.Level}
}

// PublishLogEntry forwards a log entry to the log stream subscribers. It is
// meant to be installed with logging.SetLogCallback.
func (s *Server) PublishLogEntry(entry logging.LogEntry) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(logEvent(entry))
}

func logEvent(entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		Session:    entry.Session,
		Instance:   entry.Instance,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}

// registerLogRoutes registers the log streaming SSE endpoint.
func (s *Server) registerLogRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends historical logs first, then streams new logs. Filter by instance and level; resume with after.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, input *LogStreamInput, send sse.Sender) {
		q := input.query()

		// Watch before replaying so nothing logged in between is lost
		st := events.NewStream(256, nil)
		events.Watch[events.LogEntryEvent](s.eventBus, st)
		defer st.Close()

		last := q.After
		if history := logging.GetHistory(); history != nil {
			for _, entry := range history.Select(q) {
				if err := send.Data(logEvent(entry)); err != nil {
					return
				}
				last = entry.Seq
			}
		}

		live := q
		live.After = 0
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-st.C:
				e, ok := ev.(events.LogEntryEvent)
				if !ok || (e.Seq != 0 && e.Seq <= last) {
					continue
				}
				if !live.Matches(logging.LogEntry{Level: e.Level, Instance: e.Instance}) {
					continue
				}
				if err := send.Data(e); err != nil {
					return
				}
			}
		}
	})
}
