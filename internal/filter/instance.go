package filter

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
	"github.com/smazurov/mediagraph/internal/sched"
)

// State is the lifecycle state of a filter instance.
type State string

// Lifecycle states.
const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateConfiguring State = "configuring"
	StateProcessing  State = "processing"
	StateFinalizing  State = "finalizing"
	StateDestroyed   State = "destroyed"
)

// Instance is a loaded filter: a descriptor, the private Filter value and
// the pids connecting it to the graph. All callbacks of an instance run on
// its task, one at a time.
type Instance struct {
	id     string
	desc   *Descriptor
	impl   Filter
	s      *Session
	task   *sched.Task
	logger *slog.Logger

	args    map[string]string
	values  map[string]props.Value
	sources []string
	dynamic bool

	// adapter chain still to build toward dest, set on resolver-inserted instances
	chain []*Descriptor
	dest  *Instance

	mu      sync.RWMutex
	inputs  []*Pid
	outputs []*Pid
	state   State
	jobs    []func()
	failed  error

	newPids      []*Pid
	parked       atomic.Bool
	wakes        atomic.Uint64
	delayed      atomic.Bool
	rescheduleAt atomic.Int64
	pendingLinks atomic.Int32

	processCalls atomic.Uint64
	errorCount   atomic.Uint64
	busy         atomic.Int64
}

// ID returns the instance identifier, unique in its session.
func (f *Instance) ID() string { return f.id }

// Name returns the filter type name.
func (f *Instance) Name() string { return f.desc.Name }

// Descriptor returns the filter type.
func (f *Instance) Descriptor() *Descriptor { return f.desc }

// Impl returns the private filter value.
func (f *Instance) Impl() Filter { return f.impl }

// Logger returns the instance logger.
func (f *Instance) Logger() *slog.Logger { return f.logger }

// Dynamic reports whether the resolver inserted the instance.
func (f *Instance) Dynamic() bool { return f.dynamic }

// State returns the lifecycle state.
func (f *Instance) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Err returns the fatal error that stopped the instance, if any.
func (f *Instance) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.failed
}

// Arg returns the bound value of an argument.
func (f *Instance) Arg(name string) (props.Value, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[name]
	return v, ok
}

// Args returns the textual arguments the instance was loaded with.
func (f *Instance) Args() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.args))
	for k, v := range f.args {
		out[k] = v
	}
	return out
}

// Inputs returns the connected input pids.
func (f *Instance) Inputs() []*Pid {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.inputs)
}

// Outputs returns the output pids.
func (f *Instance) Outputs() []*Pid {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.outputs)
}

// PlayingOutputs returns the output pids not stopped by their consumer.
// Sources with several outputs send on these only.
func (f *Instance) PlayingOutputs() []*Pid {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Pid
	for _, p := range f.outputs {
		if !p.Stopped() {
			out = append(out, p)
		}
	}
	return out
}

// NewPid creates an output pid. With exactly one input, the input
// properties are copied. The pid is connected once the current callback
// returns.
func (f *Instance) NewPid() *Pid {
	p := f.s.newPid(f, true)
	p.q = newQueue(f.s.cfg.BlockUnits, uint64(f.s.cfg.BlockDuration/time.Microsecond))
	p.q.pending = true

	f.mu.Lock()
	p.name = fmt.Sprintf("PID%d", len(f.outputs)+1)
	if len(f.inputs) == 1 {
		f.inputs[0].PropsSnapshot().MergeInto(p.props)
	}
	f.outputs = append(f.outputs, p)
	f.mu.Unlock()

	f.newPids = append(f.newPids, p)
	return p
}

// RemovePid removes an output pid. Its consumer sees the end of stream
// after draining, then gets ConfigurePid(remove=true).
func (f *Instance) RemovePid(p *Pid) {
	if !p.output || p.owner != f || p.removed {
		return
	}
	f.mu.Lock()
	f.outputs = slices.DeleteFunc(f.outputs, func(o *Pid) bool { return o == p })
	f.mu.Unlock()
	f.s.removeOutput(p)
}

// RequestReschedule asks for another Process call after d. Called from
// Process, it also keeps the instance from being run again before d unless
// input or events arrive.
func (f *Instance) RequestReschedule(d time.Duration) {
	f.rescheduleAt.Store(time.Now().Add(d).UnixNano())
	f.delayed.Store(true)
	f.unpark()
	if f.s.started.Load() {
		f.s.sched.PostAfter(f.task, d)
	}
}

func (f *Instance) setState(st State) State {
	f.mu.Lock()
	prev := f.state
	f.state = st
	f.mu.Unlock()
	if prev != st {
		f.s.publishState(f, st)
	}
	return prev
}

func (f *Instance) alive() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state != StateFinalizing && f.state != StateDestroyed
}

// post schedules the instance. Nothing runs before the session starts.
func (f *Instance) post() {
	if f.s.started.Load() {
		f.s.sched.Post(f.task)
	}
}

// unpark clears the end-of-stream park. Every call bumps the wake count so
// a Process call that returns end of stream concurrently does not park the
// instance over it.
func (f *Instance) unpark() {
	f.wakes.Add(1)
	f.parked.Store(false)
}

// wakeForInput unparks and schedules the instance after a packet arrived.
func (f *Instance) wakeForInput() {
	f.unpark()
	f.post()
}

// rescheduleDue reports whether a RequestReschedule deadline has passed.
func (f *Instance) rescheduleDue() bool {
	at := f.rescheduleAt.Load()
	return at != 0 && time.Now().UnixNano() >= at
}

// addJob queues fn to run on the instance task before its next Process.
func (f *Instance) addJob(fn func()) {
	f.mu.Lock()
	f.jobs = append(f.jobs, fn)
	f.mu.Unlock()
	f.unpark()
	f.post()
}

func (f *Instance) takeJobs() []func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs
	f.jobs = nil
	return jobs
}

// run is the task body.
func (f *Instance) run() sched.Result {
	for _, job := range f.takeJobs() {
		job()
	}
	if !f.ready() {
		return sched.Idle
	}

	if at := f.rescheduleAt.Load(); at != 0 && f.rescheduleDue() {
		f.rescheduleAt.CompareAndSwap(at, 0)
	}
	wakes := f.wakes.Load()
	err := f.callProcess()
	delayed := f.delayed.Swap(false)
	switch {
	case err == nil:
	case CodeOf(err) == CodeEndOfStream:
		if !delayed {
			f.parked.Store(true)
			if f.wakes.Load() != wakes {
				f.parked.Store(false)
				return sched.Again
			}
		}
		return sched.Idle
	case IsFatal(err):
		f.fail(err)
		return sched.Idle
	default:
		f.logger.Debug("Process returned a recoverable error", "error", err)
	}
	if !delayed && f.ready() {
		return sched.Again
	}
	return sched.Idle
}

// ready reports whether Process may run now.
func (f *Instance) ready() bool {
	if f.parked.Load() {
		return false
	}
	f.mu.RLock()
	state, failed := f.state, f.failed
	inputs, outputs := f.inputs, f.outputs
	f.mu.RUnlock()
	if failed != nil || state == StateFinalizing || state == StateDestroyed || state == StateCreated {
		return false
	}

	if len(outputs) > 0 {
		blocked := true
		for _, o := range outputs {
			if !o.WouldBlock() {
				blocked = false
				break
			}
		}
		if blocked {
			return false
		}
	}

	if f.desc.IsSource() {
		if f.s.stopping.Load() {
			return false
		}
		if len(outputs) == 0 {
			return true
		}
		for _, o := range outputs {
			if !o.Stopped() {
				return true
			}
		}
		return false
	}

	if f.rescheduleDue() {
		return true
	}
	for _, in := range inputs {
		if in.hasQueued() {
			return true
		}
	}
	return false
}

// fail ends the instance's contribution to the graph: its outputs get a
// failed end of stream and Process is not called again.
func (f *Instance) fail(err error) {
	f.mu.Lock()
	if f.failed != nil {
		f.mu.Unlock()
		return
	}
	f.failed = err
	outputs := slices.Clone(f.outputs)
	f.mu.Unlock()

	f.logger.Error("Filter failed", "error", err)
	for _, o := range outputs {
		o.sendMarker(err, false)
	}
	f.s.reportFailure(f, err)
}

// guard runs a filter callback, recovering panics as fatal errors, then
// connects the output pids the callback created.
func (f *Instance) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Filter callback panicked", "panic", r, "stack", string(debug.Stack()))
			err = NewError(CodeFatal, fmt.Sprintf("panic: %v", r), nil)
		}
		if err != nil {
			f.errorCount.Add(1)
			metrics.IncrementFilterErrors(f.desc.Name, string(CodeOf(err)))
			err = withFilter(err, f.desc.Name)
		}
		f.connectNew()
	}()
	return fn()
}

// connectNew queues the connection of the output pids created during the
// last callback. Connections are made on the instance task once the session
// runs, so that filters loaded later are candidates too.
func (f *Instance) connectNew() {
	pids := f.newPids
	f.newPids = nil
	for _, p := range pids {
		f.addJob(func() { f.s.connectOutput(p) })
	}
}

func (f *Instance) callInitialize() error {
	var err error
	if init, ok := f.impl.(Initializer); ok {
		err = f.guard(func() error { return init.Initialize(f) })
	}
	if err != nil {
		f.setState(StateDestroyed)
		return err
	}
	f.setState(StateInitialized)
	return nil
}

func (f *Instance) callConfigurePid(p *Pid, remove bool) error {
	f.setState(StateConfiguring)
	defer f.setState(StateProcessing)
	return f.guard(func() error { return f.impl.ConfigurePid(f, p, remove) })
}

func (f *Instance) callProcess() error {
	f.setState(StateProcessing)
	start := time.Now()
	f.processCalls.Add(1)
	metrics.IncrementProcessCalls(f.desc.Name)
	defer func() { f.busy.Add(int64(time.Since(start))) }()
	return f.guard(func() error { return f.impl.Process(f) })
}

func (f *Instance) callEvent(ev *Event) (handled bool) {
	h, ok := f.impl.(EventHandler)
	if !ok {
		return false
	}
	_ = f.guard(func() error {
		handled = h.ProcessEvent(f, ev)
		return nil
	})
	return handled
}

func (f *Instance) callUpdateArg(name, text string) error {
	var v props.Value
	err := f.guard(func() error {
		var err error
		v, err = UpdateArg(f.desc, f.impl, name, text)
		if err != nil {
			return err
		}
		if u, ok := f.impl.(ArgUpdater); ok {
			return u.UpdateArg(f, name, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.values[name] = v
	f.args[name] = text
	f.mu.Unlock()
	return nil
}

// callFinalize runs Finalize once. No callback runs afterwards.
func (f *Instance) callFinalize() {
	f.mu.RLock()
	st := f.state
	f.mu.RUnlock()
	if st == StateFinalizing || st == StateDestroyed {
		return
	}
	f.setState(StateFinalizing)
	if fin, ok := f.impl.(Finalizer); ok {
		_ = f.guard(func() error {
			fin.Finalize(f)
			return nil
		})
	}
	f.setState(StateDestroyed)
}

// InstanceStats is a snapshot of instance counters.
type InstanceStats struct {
	ID           string            `json:"id"`
	Filter       string            `json:"filter"`
	State        State             `json:"state"`
	Dynamic      bool              `json:"dynamic"`
	Error        string            `json:"error,omitempty"`
	Args         map[string]string `json:"args,omitempty"`
	ProcessCalls uint64            `json:"process_calls"`
	Errors       uint64            `json:"errors"`
	BusyTime     time.Duration     `json:"busy_time_ns"`
	TaskRuns     uint64            `json:"task_runs"`
	Inputs       []PidStats        `json:"inputs"`
	Outputs      []PidStats        `json:"outputs"`
}

// Stats returns a snapshot of the instance counters.
func (f *Instance) Stats() InstanceStats {
	st := InstanceStats{
		ID:           f.id,
		Filter:       f.desc.Name,
		State:        f.State(),
		Dynamic:      f.dynamic,
		Args:         f.Args(),
		ProcessCalls: f.processCalls.Load(),
		Errors:       f.errorCount.Load(),
		BusyTime:     time.Duration(f.busy.Load()),
		TaskRuns:     f.task.Runs(),
	}
	if err := f.Err(); err != nil {
		st.Error = err.Error()
	}
	for _, p := range f.Inputs() {
		st.Inputs = append(st.Inputs, p.Stats())
	}
	for _, p := range f.Outputs() {
		st.Outputs = append(st.Outputs, p.Stats())
	}
	return st
}
