// Package metrics provides Prometheus metrics for the pipeline engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "pid",
		Name:      "packets_sent_total",
		Help:      "Packets sent on output pids",
	}, []string{"filter"})

	bytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "pid",
		Name:      "bytes_sent_total",
		Help:      "Payload bytes sent on output pids",
	}, []string{"filter"})

	packetsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "pid",
		Name:      "packets_dropped_total",
		Help:      "Packets consumed and released on input pids",
	}, []string{"filter"})

	pidsBlocked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagraph",
		Subsystem: "pid",
		Name:      "blocked",
		Help:      "Output pids currently over their buffer threshold",
	})

	processCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "filter",
		Name:      "process_calls_total",
		Help:      "Process callback invocations",
	}, []string{"filter"})

	filterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "filter",
		Name:      "errors_total",
		Help:      "Errors returned by filter callbacks",
	}, []string{"filter", "code"})

	instances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediagraph",
		Subsystem: "filter",
		Name:      "instances",
		Help:      "Live filter instances",
	}, []string{"filter"})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "resolve",
		Name:      "resolutions_total",
		Help:      "Resolver runs by outcome",
	}, []string{"result"})
)

// IncrementPacketsSent records a packet sent by a filter.
func IncrementPacketsSent(filter string, bytes int) {
	packetsSent.WithLabelValues(filter).Inc()
	bytesSent.WithLabelValues(filter).Add(float64(bytes))
}

// IncrementPacketsDropped records a packet released by a consumer.
func IncrementPacketsDropped(filter string) {
	packetsDropped.WithLabelValues(filter).Inc()
}

// PidBlocked tracks pids entering (true) or leaving (false) the blocked state.
func PidBlocked(blocked bool) {
	if blocked {
		pidsBlocked.Inc()
	} else {
		pidsBlocked.Dec()
	}
}

// IncrementProcessCalls records a Process invocation.
func IncrementProcessCalls(filter string) {
	processCalls.WithLabelValues(filter).Inc()
}

// IncrementFilterErrors records a callback error by code.
func IncrementFilterErrors(filter, code string) {
	filterErrors.WithLabelValues(filter, code).Inc()
}

// InstanceCreated records a new instance of a filter type.
func InstanceCreated(filter string) {
	instances.WithLabelValues(filter).Inc()
}

// InstanceDestroyed records a destroyed instance of a filter type.
func InstanceDestroyed(filter string) {
	instances.WithLabelValues(filter).Dec()
}

// IncrementResolutions records a resolver outcome ("direct", "chain", "negotiated", "failed").
func IncrementResolutions(result string) {
	resolutions.WithLabelValues(result).Inc()
}

var (
	taskRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "sched",
		Name:      "task_runs_total",
		Help:      "Task invocations",
	})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mediagraph",
		Subsystem: "sched",
		Name:      "task_duration_seconds",
		Help:      "Time spent in a single task invocation",
		Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagraph",
		Subsystem: "sched",
		Name:      "queued_tasks",
		Help:      "Tasks waiting in run queues",
	})

	steals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "sched",
		Name:      "steals_total",
		Help:      "Tasks taken from another worker's queue",
	})
)

// ObserveTaskRun records one task invocation.
func ObserveTaskRun(d time.Duration) {
	taskRuns.Inc()
	taskDuration.Observe(d.Seconds())
}

// AddQueuedTasks adjusts the queued task gauge.
func AddQueuedTasks(delta int) {
	queueDepth.Add(float64(delta))
}

// IncrementSteals records a work-stealing event.
func IncrementSteals() {
	steals.Inc()
}

var (
	rtpPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "rtp",
		Name:      "packets_total",
		Help:      "RTP packets produced or consumed by filters",
	}, []string{"direction"})

	rtcpPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "rtp",
		Name:      "rtcp_packets_total",
		Help:      "RTCP packets by type",
	}, []string{"type"})

	rtpLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediagraph",
		Subsystem: "rtp",
		Name:      "sequence_gaps_total",
		Help:      "RTP packets missing from the received sequence",
	})
)

// IncrementRTPPackets records an RTP packet, direction is "out" or "in".
func IncrementRTPPackets(direction string) {
	rtpPackets.WithLabelValues(direction).Inc()
}

// IncrementRTCPPackets records a received RTCP packet.
func IncrementRTCPPackets(kind string) {
	rtcpPackets.WithLabelValues(kind).Inc()
}

// AddRTPLost records missing sequence numbers.
func AddRTPLost(n int) {
	rtpLost.Add(float64(n))
}
