package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/filter"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// StatsSource is what the exporter samples, usually a *filter.Session.
type StatsSource interface {
	Stats() filter.Stats
	BlockedPids() int
}

// SSEExporter periodically publishes session counters as SessionStatsEvent.
type SSEExporter struct {
	eventBus EventPublisher
	source   StatsSource
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter sampling source every interval,
// one second when zero.
func NewSSEExporter(eventBus EventPublisher, source StatsSource, interval time.Duration) *SSEExporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &SSEExporter{
		eventBus: eventBus,
		source:   source,
		interval: interval,
	}
}

// Start begins the SSE export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the SSE exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *SSEExporter) publishStats() {
	st := s.source.Stats()
	s.eventBus.Publish(events.SessionStatsEvent{
		SessionID:   st.ID,
		Instances:   len(st.Instances),
		LivePackets: st.LivePackets,
		QueuedTasks: st.Scheduler.Queued,
		TaskRuns:    st.Scheduler.Runs,
		BlockedPids: s.source.BlockedPids(),
	})
}

// GetEventTypesForEndpoint returns the event types an SSE endpoint carries.
func GetEventTypesForEndpoint(endpoint string) map[string]any {
	if endpoint == "events" {
		return map[string]any{
			"session-stats": events.SessionStatsEvent{},
		}
	}
	return map[string]any{}
}
