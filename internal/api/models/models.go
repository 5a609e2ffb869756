package models

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"a1b2c3d" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go runtime version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Operating system and architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// Filter registry models
type ArgInfo struct {
	Name        string   `json:"name" example:"count" doc:"Argument name"`
	Kind        string   `json:"kind" example:"uint" doc:"Value kind"`
	Default     string   `json:"default,omitempty" example:"10" doc:"Default value"`
	Description string   `json:"description,omitempty" doc:"Argument description"`
	Enum        []string `json:"enum,omitempty" doc:"Allowed values"`
	Updatable   bool     `json:"updatable" doc:"Whether the argument can change at runtime"`
	Required    bool     `json:"required" doc:"Whether the argument must be given"`
}

type FilterInfo struct {
	Name        string     `json:"name" example:"inspect" doc:"Filter type name"`
	Description string     `json:"description" example:"Counts and logs received packets" doc:"Human-readable description"`
	Priority    int        `json:"priority" example:"0" doc:"Resolution priority, higher first"`
	Thread      string     `json:"thread" example:"any" doc:"Thread requirement"`
	Explicit    bool       `json:"explicit" doc:"Never inserted by the resolver"`
	Source      bool       `json:"source" doc:"Takes no inputs"`
	Sink        bool       `json:"sink" doc:"Produces no outputs"`
	Args        []ArgInfo  `json:"args,omitempty" doc:"Declared arguments"`
	Caps        [][]string `json:"caps,omitempty" doc:"Capability bundles, one list per bundle"`
}

type FilterListData struct {
	Filters []FilterInfo `json:"filters" doc:"Registered filter types in registration order"`
	Count   int          `json:"count" example:"8" doc:"Number of filter types"`
}

type FilterListResponse struct {
	Body FilterListData
}

type FilterResponse struct {
	Body FilterInfo
}

// Probe models
type ProbeData struct {
	URL    string `json:"url" example:"exec://date" doc:"Probed URL"`
	Filter string `json:"filter" example:"execin" doc:"Selected source filter"`
	Score  string `json:"score" example:"supported" doc:"Probe score"`
}

type ProbeResponse struct {
	Body ProbeData
}

// Graph models
type PidData struct {
	ID             uint32            `json:"id" example:"1" doc:"Pid identifier"`
	Name           string            `json:"name" example:"PID1" doc:"Pid name"`
	Peer           string            `json:"peer,omitempty" example:"sink.PID1" doc:"Connected peer pid"`
	PacketsSent    uint64            `json:"packets_sent" example:"120" doc:"Packets sent on the pid"`
	BytesSent      uint64            `json:"bytes_sent" example:"48000" doc:"Payload bytes sent on the pid"`
	PacketsDropped uint64            `json:"packets_dropped" example:"0" doc:"Packets dropped by the consumer without reading"`
	QueueLen       int               `json:"queue_len" example:"2" doc:"Queued packets"`
	QueueBytes     int               `json:"queue_bytes" example:"800" doc:"Queued payload bytes"`
	QueueDuration  uint64            `json:"queue_duration_us" example:"80000" doc:"Queued duration in microseconds"`
	Blocked        bool              `json:"blocked" doc:"Over the buffer threshold"`
	Stopped        bool              `json:"stopped,omitempty" doc:"Output stopped by the consumer"`
	EOS            bool              `json:"eos,omitempty" doc:"Input reached end of stream"`
	Props          map[string]string `json:"props,omitempty" doc:"Pid properties"`
}

type InstanceData struct {
	ID           string            `json:"id" example:"sink" doc:"Instance identifier"`
	Filter       string            `json:"filter" example:"inspect" doc:"Filter type name"`
	State        string            `json:"state" example:"processing" doc:"Lifecycle state"`
	Dynamic      bool              `json:"dynamic" doc:"Inserted by the resolver"`
	Error        string            `json:"error,omitempty" doc:"Fatal error, if any"`
	Args         map[string]string `json:"args,omitempty" doc:"Bound arguments"`
	ProcessCalls uint64            `json:"process_calls" example:"42" doc:"Process invocations"`
	Errors       uint64            `json:"errors" example:"0" doc:"Failed callbacks"`
	BusyTimeMs   float64           `json:"busy_time_ms" example:"1.5" doc:"Time spent in callbacks"`
	Inputs       []PidData         `json:"inputs" doc:"Input pids"`
	Outputs      []PidData         `json:"outputs" doc:"Output pids"`
}

type SchedulerData struct {
	Workers int    `json:"workers" example:"4" doc:"Worker goroutines"`
	Queued  int    `json:"queued" example:"0" doc:"Tasks waiting for a worker"`
	Busy    int    `json:"busy" example:"1" doc:"Tasks currently running"`
	Runs    uint64 `json:"runs" example:"1024" doc:"Task invocations since start"`
	Steals  uint64 `json:"steals" example:"12" doc:"Tasks taken from another worker"`
}

type GraphData struct {
	SessionID   string         `json:"session_id" doc:"Session identifier"`
	Started     bool           `json:"started" doc:"Whether the session has started"`
	Error       string         `json:"error,omitempty" doc:"First fatal error of the session"`
	LivePackets int64          `json:"live_packets" example:"12" doc:"Packets allocated and not yet released"`
	BlockedPids int            `json:"blocked_pids" example:"0" doc:"Output pids over their buffer threshold"`
	Scheduler   SchedulerData  `json:"scheduler" doc:"Scheduler counters"`
	Instances   []InstanceData `json:"instances" doc:"Filter instances in load order"`
}

type GraphResponse struct {
	Body GraphData
}

type InstanceResponse struct {
	Body InstanceData
}

// Control models
type EventRequestData struct {
	Type   string  `json:"type" enum:"play,stop,source_seek,reset_scene" example:"play" doc:"Event type"`
	Start  float64 `json:"start,omitempty" example:"0" doc:"Play start time in seconds"`
	End    float64 `json:"end,omitempty" example:"0" doc:"Play end time in seconds, 0 plays to the end"`
	Speed  float64 `json:"speed,omitempty" example:"1" doc:"Play speed"`
	Offset int64   `json:"offset,omitempty" example:"0" doc:"Seek offset in bytes"`
}

type EventRequest struct {
	ID   string `path:"id" example:"src" doc:"Instance identifier"`
	Body EventRequestData
}

type ArgUpdateData struct {
	Value string `json:"value" example:"200" doc:"New argument value"`
}

type ArgUpdateRequest struct {
	ID   string `path:"id" example:"src" doc:"Instance identifier"`
	Name string `path:"name" example:"cmd" doc:"Argument name"`
	Body ArgUpdateData
}

type AcceptedData struct {
	Status  string `json:"status" example:"accepted" doc:"Request status"`
	Message string `json:"message" doc:"Status message"`
}

type AcceptedResponse struct {
	Status int
	Body   AcceptedData
}
