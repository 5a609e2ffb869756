package logging

import (
	"sync"
	"time"
)

// LogEntry is one buffered log record. Engine loggers tag records with the
// session and filter instance they concern; both are lifted out of the
// attributes so streams can be narrowed to one graph element.
type LogEntry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Session    string         `json:"session,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Query selects entries from a History. Zero fields match everything.
type Query struct {
	// After skips entries up to and including this sequence number.
	After    uint64
	Instance string
	// MinLevel is the lowest level returned: debug, info, warn or error.
	MinLevel string
	// Limit keeps the most recent matches only.
	Limit int
}

// Matches reports whether e is selected by q.
func (q Query) Matches(e LogEntry) bool { return q.match(&e) }

func (q Query) match(e *LogEntry) bool {
	if q.After > 0 && e.Seq <= q.After {
		return false
	}
	if q.Instance != "" && e.Instance != q.Instance {
		return false
	}
	return q.MinLevel == "" || levelRank(e.Level) >= levelRank(q.MinLevel)
}

func levelRank(level string) int {
	switch level {
	case "debug":
		return 0
	case "warn":
		return 2
	case "error":
		return 3
	}
	return 1
}

// History keeps the most recent log entries in a fixed ring and numbers
// them in the order they were appended.
type History struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
	seq     uint64
}

// NewHistory creates a history holding up to size entries.
func NewHistory(size int) *History {
	return &History{entries: make([]LogEntry, max(size, 1))}
}

// Append stores e, overwriting the oldest entry when full, and returns it
// with its sequence number set.
func (h *History) Append(e LogEntry) LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e.Seq = h.seq
	h.entries[h.head] = e
	h.head = (h.head + 1) % len(h.entries)
	h.count = min(h.count+1, len(h.entries))
	return e
}

// Select returns the entries matching q, oldest first.
func (h *History) Select(q Query) []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []LogEntry
	start := (h.head - h.count + len(h.entries)) % len(h.entries)
	for i := range h.count {
		e := &h.entries[(start+i)%len(h.entries)]
		if q.match(e) {
			out = append(out, *e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// LastSeq returns the sequence number of the newest entry.
func (h *History) LastSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}
