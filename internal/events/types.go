package events

// Event type constants for kelindar/event.
const (
	TypeFilterStateChanged uint32 = iota + 1
	TypePidConnected
	TypePidDisconnected
	TypeFilterFailed
	TypeSessionIdle
	TypeSessionStats
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FilterStateChangedEvent is published when a filter instance changes lifecycle state.
type FilterStateChangedEvent struct {
	SessionID  string `json:"session_id" doc:"Session identifier"`
	InstanceID string `json:"instance_id" example:"sink" doc:"Filter instance identifier"`
	Filter     string `json:"filter" example:"inspect" doc:"Filter type name"`
	State      string `json:"state" example:"processing" doc:"New lifecycle state"`
	Dynamic    bool   `json:"dynamic" doc:"Whether the instance was inserted by the resolver"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FilterStateChangedEvent.
func (e FilterStateChangedEvent) Type() uint32 { return TypeFilterStateChanged }

// PidConnectedEvent is published when an output pid is connected to a consumer.
type PidConnectedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	Producer  string `json:"producer" example:"src" doc:"Producing instance"`
	Pid       string `json:"pid" example:"PID1" doc:"Pid name"`
	Consumer  string `json:"consumer" example:"sink" doc:"Consuming instance"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PidConnectedEvent.
func (e PidConnectedEvent) Type() uint32 { return TypePidConnected }

// PidDisconnectedEvent is published when a consumer releases an input pid.
type PidDisconnectedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	Producer  string `json:"producer" example:"src" doc:"Producing instance"`
	Pid       string `json:"pid" example:"PID1" doc:"Pid name"`
	Consumer  string `json:"consumer" example:"sink" doc:"Consuming instance"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PidDisconnectedEvent.
func (e PidDisconnectedEvent) Type() uint32 { return TypePidDisconnected }

// FilterFailedEvent is published when a filter callback fails fatally or an
// edge cannot be connected.
type FilterFailedEvent struct {
	SessionID  string `json:"session_id" doc:"Session identifier"`
	InstanceID string `json:"instance_id" example:"src" doc:"Filter instance identifier"`
	Filter     string `json:"filter" example:"testsrc" doc:"Filter type name"`
	Code       string `json:"code" example:"CAPABILITY_MISMATCH" doc:"Error code"`
	Error      string `json:"error" doc:"Error message"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FilterFailedEvent.
func (e FilterFailedEvent) Type() uint32 { return TypeFilterFailed }

// SessionIdleEvent is published when a session run settles.
type SessionIdleEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	Error     string `json:"error,omitempty" doc:"First fatal error, if any"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionIdleEvent.
func (e SessionIdleEvent) Type() uint32 { return TypeSessionIdle }

// SessionStatsEvent carries periodic engine counters.
type SessionStatsEvent struct {
	SessionID   string `json:"session_id" doc:"Session identifier"`
	Instances   int    `json:"instances" example:"3" doc:"Live filter instances"`
	LivePackets int64  `json:"live_packets" example:"12" doc:"Packets allocated and not yet released"`
	QueuedTasks int    `json:"queued_tasks" example:"0" doc:"Tasks waiting for a worker"`
	TaskRuns    uint64 `json:"task_runs" example:"1024" doc:"Task invocations since start"`
	BlockedPids int    `json:"blocked_pids" example:"1" doc:"Output pids over their buffer threshold"`
}

// Type returns the event type identifier for SessionStatsEvent.
func (e SessionStatsEvent) Type() uint32 { return TypeSessionStats }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"api" doc:"Source module"`
	Session    string         `json:"session,omitempty" doc:"Session the entry concerns"`
	Instance   string         `json:"instance,omitempty" example:"src" doc:"Filter instance the entry concerns"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
