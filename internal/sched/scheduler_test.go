package sched

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestPostRunsTask(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})
	var ran atomic.Int32
	task := s.NewTask("t", AnyWorker, func() Result {
		ran.Add(1)
		return Idle
	})

	s.Post(task)
	waitIdle(t, s)

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, uint64(1), task.Runs())
	assert.True(t, s.Idle())
}

func TestSingleActiveInvocation(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 8})
	var active, maxActive atomic.Int32
	task := s.NewTask("t", AnyWorker, func() Result {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		active.Add(-1)
		return Idle
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s.Post(task)
			}
		}()
	}
	wg.Wait()
	waitIdle(t, s)

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestPostDuringRunRunsOnceMore(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	var task *Task
	task = s.NewTask("t", AnyWorker, func() Result {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
		return Idle
	})

	s.Post(task)
	<-entered
	s.Post(task)
	s.Post(task)
	s.Post(task)
	close(release)
	waitIdle(t, s)

	assert.Equal(t, int32(2), runs.Load())
}

func TestAgainReruns(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	var runs atomic.Int32
	task := s.NewTask("t", AnyWorker, func() Result {
		if runs.Add(1) < 10 {
			return Again
		}
		return Idle
	})

	s.Post(task)
	waitIdle(t, s)
	assert.Equal(t, int32(10), runs.Load())
}

func TestRequeueAtTailIsFair(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	var busyRuns atomic.Int32
	var seenAt atomic.Int32
	seenAt.Store(-1)

	busy := s.NewTask("busy", AnyWorker, func() Result {
		if busyRuns.Add(1) < 1000 {
			return Again
		}
		return Idle
	})
	other := s.NewTask("other", AnyWorker, func() Result {
		seenAt.Store(busyRuns.Load())
		return Idle
	})

	s.Post(busy)
	s.Post(other)
	waitIdle(t, s)

	require.NotEqual(t, int32(-1), seenAt.Load())
	assert.Less(t, seenAt.Load(), int32(10), "continuously ready task starved another")
}

func TestWorkStealing(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 4})
	var wg sync.WaitGroup
	const n = 64
	wg.Add(n)
	for i := range n {
		task := s.NewTask("t", AnyWorker, func() Result {
			defer wg.Done()
			if i%2 == 0 {
				time.Sleep(time.Millisecond)
			}
			return Idle
		})
		s.Post(task)
	}
	wg.Wait()
	waitIdle(t, s)
	assert.Equal(t, uint64(n), s.Stats().Runs)
}

func TestMainThreadTasksNeedRunMain(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1, MainThread: true})
	ran := make(chan struct{}, 1)
	task := s.NewTask("main", MainThread, func() Result {
		ran <- struct{}{}
		return Idle
	})

	s.Post(task)
	select {
	case <-ran:
		t.Fatal("main-thread task ran without RunMain")
	case <-time.After(30 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.RunMain(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("main-thread task did not run")
	}
	waitIdle(t, s)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestMainThreadInternalLoop(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	var runs atomic.Int32
	task := s.NewTask("main", MainThread, func() Result {
		runs.Add(1)
		return Idle
	})
	s.Post(task)
	waitIdle(t, s)
	assert.Equal(t, int32(1), runs.Load())
}

func TestDedicatedTaskMayBlock(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	unblock := make(chan struct{})
	blocked := make(chan struct{})
	dedicated := s.NewTask("io", Dedicated, func() Result {
		close(blocked)
		<-unblock
		return Idle
	})
	var pooled atomic.Int32
	other := s.NewTask("pool", AnyWorker, func() Result {
		pooled.Add(1)
		return Idle
	})

	s.Post(dedicated)
	<-blocked
	s.Post(other)

	require.Eventually(t, func() bool { return pooled.Load() == 1 }, 5*time.Second, time.Millisecond)
	close(unblock)
	waitIdle(t, s)
}

func TestRemoveStopsFurtherRuns(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})
	var runs atomic.Int32
	task := s.NewTask("t", AnyWorker, func() Result {
		runs.Add(1)
		return Again
	})
	s.Post(task)
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, time.Millisecond)

	s.Remove(task)
	waitIdle(t, s)
	n := runs.Load()
	s.Post(task)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestRemoveDedicatedIdleTask(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	task := s.NewTask("io", Dedicated, func() Result { return Idle })
	s.Remove(task)
	waitIdle(t, s)
}

func TestPostAfterKeepsSchedulerBusy(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	var ranAt atomic.Int64
	task := s.NewTask("t", AnyWorker, func() Result {
		ranAt.Store(time.Now().UnixNano())
		return Idle
	})

	start := time.Now()
	s.PostAfter(task, 20*time.Millisecond)
	assert.False(t, s.Idle())
	waitIdle(t, s)

	require.NotZero(t, ranAt.Load())
	assert.GreaterOrEqual(t, time.Duration(ranAt.Load()-start.UnixNano()), 20*time.Millisecond)
}

func TestPanicIsRecovered(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	var after atomic.Int32
	bad := s.NewTask("bad", AnyWorker, func() Result { panic("boom") })
	good := s.NewTask("good", AnyWorker, func() Result {
		after.Add(1)
		return Idle
	})

	s.Post(bad)
	s.Post(good)
	waitIdle(t, s)
	assert.Equal(t, int32(1), after.Load())
}

func TestWaitIdleHonoursContext(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})
	task := s.NewTask("spin", AnyWorker, func() Result { return Again })
	s.Post(task)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitIdle(ctx), context.DeadlineExceeded)
	s.Remove(task)
}

func TestWaitIdleAfterStop(t *testing.T) {
	s := New(Config{Workers: 1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	s.Start()
	s.Stop()
	assert.ErrorIs(t, s.WaitIdle(context.Background()), ErrStopped)
}
