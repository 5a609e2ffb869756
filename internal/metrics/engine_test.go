package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPacketCounters(t *testing.T) {
	before := testutil.ToFloat64(packetsSent.WithLabelValues("metrics-test"))
	beforeBytes := testutil.ToFloat64(bytesSent.WithLabelValues("metrics-test"))

	IncrementPacketsSent("metrics-test", 100)
	IncrementPacketsSent("metrics-test", 50)

	if got := testutil.ToFloat64(packetsSent.WithLabelValues("metrics-test")) - before; got != 2 {
		t.Errorf("packets sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(bytesSent.WithLabelValues("metrics-test")) - beforeBytes; got != 150 {
		t.Errorf("bytes sent = %v, want 150", got)
	}
}

func TestPidBlockedGauge(t *testing.T) {
	before := testutil.ToFloat64(pidsBlocked)
	PidBlocked(true)
	PidBlocked(true)
	PidBlocked(false)
	if got := testutil.ToFloat64(pidsBlocked) - before; got != 1 {
		t.Errorf("blocked delta = %v, want 1", got)
	}
	PidBlocked(false)
}

func TestInstanceGauge(t *testing.T) {
	InstanceCreated("gauge-test")
	InstanceCreated("gauge-test")
	InstanceDestroyed("gauge-test")
	if got := testutil.ToFloat64(instances.WithLabelValues("gauge-test")); got != 1 {
		t.Errorf("instances = %v, want 1", got)
	}
}

func TestSchedulerMetrics(t *testing.T) {
	runs := testutil.ToFloat64(taskRuns)
	ObserveTaskRun(time.Millisecond)
	if got := testutil.ToFloat64(taskRuns) - runs; got != 1 {
		t.Errorf("task runs delta = %v, want 1", got)
	}

	depth := testutil.ToFloat64(queueDepth)
	AddQueuedTasks(3)
	AddQueuedTasks(-1)
	if got := testutil.ToFloat64(queueDepth) - depth; got != 2 {
		t.Errorf("queue depth delta = %v, want 2", got)
	}
	AddQueuedTasks(-2)
}

func TestRTPCounters(t *testing.T) {
	beforeOut := testutil.ToFloat64(rtpPackets.WithLabelValues("out"))
	beforeSR := testutil.ToFloat64(rtcpPackets.WithLabelValues("sender_report"))
	beforeLost := testutil.ToFloat64(rtpLost)

	IncrementRTPPackets("out")
	IncrementRTCPPackets("sender_report")
	AddRTPLost(3)

	if got := testutil.ToFloat64(rtpPackets.WithLabelValues("out")) - beforeOut; got != 1 {
		t.Errorf("rtp out = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rtcpPackets.WithLabelValues("sender_report")) - beforeSR; got != 1 {
		t.Errorf("sender reports = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rtpLost) - beforeLost; got != 3 {
		t.Errorf("lost = %v, want 3", got)
	}
}
