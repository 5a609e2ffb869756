package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/mediagraph/internal/logging"
	"github.com/smazurov/mediagraph/internal/metrics"
)

// ErrStopped is returned by WaitIdle once the scheduler is stopped.
var ErrStopped = errors.New("scheduler stopped")

// Affinity selects where a task runs.
type Affinity uint8

// Task affinities.
const (
	AnyWorker Affinity = iota
	MainThread
	Dedicated
)

func (a Affinity) String() string {
	switch a {
	case MainThread:
		return "main"
	case Dedicated:
		return "dedicated"
	}
	return "any"
}

// Result tells the scheduler what a task wants next.
type Result uint8

// Task results.
const (
	Idle  Result = iota // wait for the next Post
	Again               // run again after other ready tasks
)

// Func is the body of a task.
type Func func() Result

const (
	stateIdle int32 = iota
	stateQueued
	stateRunning
	stateRepost
	stateDead
)

const noWorker = -1

// Task is a schedulable unit, one per filter instance.
type Task struct {
	name     string
	affinity Affinity
	fn       Func
	state    atomic.Int32
	runs     atomic.Uint64
	wake     chan struct{}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Affinity returns where the task runs.
func (t *Task) Affinity() Affinity { return t.affinity }

// Runs returns how many times the task body was invoked.
func (t *Task) Runs() uint64 { return t.runs.Load() }

// Config configures a Scheduler.
type Config struct {
	// Workers is the pool size, runtime.NumCPU() when zero.
	Workers int
	// MainThread makes the caller responsible for running main-thread tasks
	// through RunMain. Otherwise an internal locked goroutine serves them.
	MainThread bool
	Logger     *slog.Logger
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Workers int    `json:"workers"`
	Queued  int    `json:"queued"`
	Busy    int    `json:"busy"`
	Runs    uint64 `json:"runs"`
	Steals  uint64 `json:"steals"`
}

// Scheduler runs tasks on a worker pool.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	queues   []*runQueue
	main     *runQueue
	mainWake chan struct{}
	rr       atomic.Uint32
	queued   atomic.Int64
	runs     atomic.Uint64
	steals   atomic.Uint64

	mu      sync.Mutex
	cond    *sync.Cond
	busy    int
	waiters []chan struct{}
	timers  map[*time.Timer]struct{}
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start before posting work.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger("sched")
	}
	s := &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger,
		queues:   make([]*runQueue, cfg.Workers),
		main:     &runQueue{},
		mainWake: make(chan struct{}, 1),
		timers:   make(map[*time.Timer]struct{}),
		stopCh:   make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = &runQueue{}
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the workers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for i := range s.queues {
		s.wg.Add(1)
		go s.worker(i)
	}
	if !s.cfg.MainThread {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.RunMain(context.Background())
		}()
	}
	s.logger.Debug("Scheduler started", "workers", s.cfg.Workers, "external_main", s.cfg.MainThread)
}

// Stop stops the workers after their current invocation and cancels
// pending delayed posts. Queued tasks are abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	for tm := range s.timers {
		if tm.Stop() {
			s.busy--
		}
	}
	clear(s.timers)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("Scheduler stopped")
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int { return s.cfg.Workers }

// NewTask creates a task. Dedicated tasks get their goroutine immediately.
func (s *Scheduler) NewTask(name string, affinity Affinity, fn Func) *Task {
	t := &Task{name: name, affinity: affinity, fn: fn}
	if affinity == Dedicated {
		t.wake = make(chan struct{}, 1)
		s.wg.Add(1)
		go s.runDedicated(t)
	}
	return t
}

// Post marks t ready. Posting a queued task is a no-op; posting a running
// task schedules one more run after the current one.
func (s *Scheduler) Post(t *Task) {
	for {
		switch t.state.Load() {
		case stateIdle:
			if t.state.CompareAndSwap(stateIdle, stateQueued) {
				s.addBusy()
				s.enqueue(t, noWorker)
				return
			}
		case stateRunning:
			if t.state.CompareAndSwap(stateRunning, stateRepost) {
				return
			}
		default:
			return
		}
	}
}

// PostAfter posts t once d has elapsed. The scheduler is not idle while a
// delayed post is pending.
func (s *Scheduler) PostAfter(t *Task, d time.Duration) {
	if d <= 0 {
		s.Post(t)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.busy++
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, tm)
		s.mu.Unlock()
		s.Post(t)
		s.done()
	})
	s.timers[tm] = struct{}{}
}

// Remove retires t. A running invocation completes; no further runs happen.
func (s *Scheduler) Remove(t *Task) {
	old := t.state.Swap(stateDead)
	if t.affinity == Dedicated && old == stateIdle {
		// wake the goroutine so it notices and exits
		s.addBusy()
		select {
		case t.wake <- struct{}{}:
		default:
			s.done()
		}
	}
}

// WaitIdle blocks until no task is queued or running and no delayed post is
// pending.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.busy == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}
}

// Idle reports whether nothing is queued, running or pending.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy == 0
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	return Stats{
		Workers: s.cfg.Workers,
		Queued:  int(s.queued.Load()) + s.main.len(),
		Busy:    busy,
		Runs:    s.runs.Load(),
		Steals:  s.steals.Load(),
	}
}

// RunMain serves main-thread tasks on the calling goroutine, locked to its
// OS thread, until ctx is done or the scheduler stops. Only needed when
// Config.MainThread is set.
func (s *Scheduler) RunMain(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		for t := s.main.pop(); t != nil; t = s.main.pop() {
			metrics.AddQueuedTasks(-1)
			s.execute(t, noWorker)
		}
		select {
		case <-s.mainWake:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		}
	}
}

func (s *Scheduler) addBusy() {
	s.mu.Lock()
	s.busy++
	s.mu.Unlock()
}

func (s *Scheduler) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	if s.busy < 0 {
		panic(fmt.Sprintf("sched: busy count went negative (%d)", s.busy))
	}
	if s.busy == 0 {
		for _, ch := range s.waiters {
			close(ch)
		}
		s.waiters = nil
	}
}

// enqueue places a queued task. w is the worker that last ran it, or
// noWorker for external posts, which are spread round-robin.
func (s *Scheduler) enqueue(t *Task, w int) {
	switch t.affinity {
	case Dedicated:
		t.wake <- struct{}{}
		return
	case MainThread:
		s.main.push(t)
		metrics.AddQueuedTasks(1)
		select {
		case s.mainWake <- struct{}{}:
		default:
		}
		return
	}

	if w < 0 || w >= len(s.queues) {
		w = int(s.rr.Add(1) % uint32(len(s.queues)))
	}
	s.queues[w].push(t)
	s.queued.Add(1)
	metrics.AddQueuedTasks(1)

	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

// next pops the head of the worker's queue or steals the head of another.
func (s *Scheduler) next(w int) *Task {
	if t := s.queues[w].pop(); t != nil {
		s.queued.Add(-1)
		metrics.AddQueuedTasks(-1)
		return t
	}
	n := len(s.queues)
	for i := 1; i < n; i++ {
		if t := s.queues[(w+i)%n].pop(); t != nil {
			s.queued.Add(-1)
			s.steals.Add(1)
			metrics.AddQueuedTasks(-1)
			metrics.IncrementSteals()
			return t
		}
	}
	return nil
}

func (s *Scheduler) worker(w int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if t := s.next(w); t != nil {
			s.execute(t, w)
			continue
		}
		s.mu.Lock()
		for s.queued.Load() == 0 && !s.stopped {
			s.cond.Wait()
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) runDedicated(t *Task) {
	defer s.wg.Done()
	for {
		select {
		case <-t.wake:
			if !s.execute(t, noWorker) {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// execute runs one invocation of a queued task and settles its next state.
// It reports false once the task is dead.
func (s *Scheduler) execute(t *Task, w int) bool {
	if !t.state.CompareAndSwap(stateQueued, stateRunning) {
		s.done()
		return false
	}
	res := s.call(t)
	for {
		st := t.state.Load()
		switch {
		case st == stateDead:
			s.done()
			return false
		case res == Again || st == stateRepost:
			if t.state.CompareAndSwap(st, stateQueued) {
				s.enqueue(t, w)
				return true
			}
		default:
			if t.state.CompareAndSwap(stateRunning, stateIdle) {
				s.done()
				return true
			}
		}
	}
}

func (s *Scheduler) call(t *Task) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "task", t.name, "panic", r)
			res = Idle
		}
		t.runs.Add(1)
		s.runs.Add(1)
		metrics.ObserveTaskRun(time.Since(start))
	}()
	return t.fn()
}
