package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/config"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/logging"
	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
	"github.com/smazurov/mediagraph/internal/sched"
)

// Resolver finds adapter chains between a pid and the filter types able to
// consume it.
type Resolver interface {
	// ResolveTo returns the adapters to insert in front of target, in order.
	// An empty chain means s already matches target.
	ResolveTo(s caps.Set, target *Descriptor) ([]*Descriptor, error)
	// ResolveAny returns the shortest chain from s to any sink type, the sink
	// included.
	ResolveAny(s caps.Set) ([]*Descriptor, error)
}

// Config configures a Session.
type Config struct {
	// Workers is the scheduler pool size, runtime.NumCPU() when zero.
	Workers int
	// MainThread hands main-thread filters to the caller through RunMain.
	MainThread bool
	// BlockUnits is the packet count at which an output pid blocks its
	// producer, DefaultBlockUnits when zero.
	BlockUnits int
	// BlockDuration, when set, also blocks once the queued packets cover it.
	BlockDuration time.Duration
	// AutoConnect links otherwise unconnected pids to a resolved sink chain.
	AutoConnect bool
	// Resolver inserts adapters. With none, pids only link to direct matches.
	Resolver Resolver
	Events   events.Publisher
	Logger   *slog.Logger
}

// LoadOptions are the per-instance settings of Load.
type LoadOptions struct {
	// ID names the instance. Generated from the filter name when empty.
	ID   string
	Args map[string]string
	// Sources restricts the producers the instance accepts pids from to
	// these instance IDs and their descendants.
	Sources []string
}

// Session owns a filter graph and the scheduler running it.
type Session struct {
	id       string
	reg      *Registry
	cfg      Config
	sched    *sched.Scheduler
	logger   *slog.Logger
	filters  *slog.Logger
	pidSeq   atomic.Uint32
	started  atomic.Bool
	stopping atomic.Bool

	mu        sync.Mutex
	instances []*Instance
	byID      map[string]*Instance
	counters  map[string]int
	firstErr  error
	closed    bool
}

// NewSession creates a session over reg and starts its scheduler.
func NewSession(reg *Registry, cfg Config) *Session {
	if cfg.BlockUnits <= 0 {
		cfg.BlockUnits = DefaultBlockUnits
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger("session")
	}
	s := &Session{
		id:       uuid.NewString(),
		reg:      reg,
		cfg:      cfg,
		logger:   cfg.Logger,
		filters:  logging.GetLogger("filters"),
		byID:     make(map[string]*Instance),
		counters: make(map[string]int),
	}
	s.logger = s.logger.With("session", s.id)
	s.sched = sched.New(sched.Config{
		Workers:    cfg.Workers,
		MainThread: cfg.MainThread,
		Logger:     logging.GetLogger("sched"),
	})
	s.sched.Start()
	s.logger.Info("Session created", "workers", s.sched.Workers(), "block_units", cfg.BlockUnits)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Registry returns the registry the session loads filters from.
func (s *Session) Registry() *Registry { return s.reg }

// RunMain serves main-thread filters on the calling goroutine until ctx is
// done. Only needed with Config.MainThread.
func (s *Session) RunMain(ctx context.Context) error {
	return s.sched.RunMain(ctx)
}

// Load instantiates the filter type name and initializes it.
func (s *Session) Load(name string, opts LoadOptions) (*Instance, error) {
	desc, err := s.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return s.instantiate(desc, opts, instanceHints{})
}

// LoadSource picks the source type best able to handle url and loads it. The
// url is passed as the "src" argument when the type declares one.
func (s *Session) LoadSource(url string, opts LoadOptions) (*Instance, error) {
	desc, score, err := s.reg.Probe(url, "")
	if err != nil {
		return nil, err
	}
	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]string)
	}
	if _, ok := desc.Arg("src"); ok && args["src"] == "" {
		args["src"] = url
	}
	opts.Args = args
	s.logger.Debug("Probed source", "url", url, "filter", desc.Name, "score", score.String())
	return s.instantiate(desc, opts, instanceHints{})
}

// Link restricts dst to pids coming from src or its descendants. It only
// affects pids connected afterwards.
func (s *Session) Link(src, dst *Instance) {
	dst.mu.Lock()
	if !slices.Contains(dst.sources, src.id) {
		dst.sources = append(dst.sources, src.id)
	}
	dst.mu.Unlock()
}

// Build loads every filter of g in order. Sources must name filters declared
// earlier in the graph.
func (s *Session) Build(ctx context.Context, g *config.Graph) error {
	if err := g.Validate(); err != nil {
		return NewError(CodeBadParameter, "invalid graph", err)
	}
	for _, spec := range g.Filters {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.Load(spec.Name, LoadOptions{ID: spec.ID, Args: spec.Args, Sources: spec.Sources})
		if err != nil {
			return fmt.Errorf("load %s: %w", spec.Label(), err)
		}
	}
	return nil
}

// instanceHints carry resolver decisions into a new instance.
type instanceHints struct {
	dynamic bool
	chain   []*Descriptor
	dest    *Instance
}

func (s *Session) instantiate(desc *Descriptor, opts LoadOptions, hints instanceHints) (*Instance, error) {
	if s.stopping.Load() {
		return nil, NewError(CodeUnsupported, "session is closing", nil)
	}
	impl := desc.New()
	values, err := BindArgs(desc, impl, opts.Args)
	if err != nil {
		return nil, withFilter(err, desc.Name)
	}

	s.mu.Lock()
	id := opts.ID
	if id == "" {
		for {
			s.counters[desc.Name]++
			id = fmt.Sprintf("%s%d", desc.Name, s.counters[desc.Name])
			if _, taken := s.byID[id]; !taken {
				break
			}
		}
	} else if _, taken := s.byID[id]; taken {
		s.mu.Unlock()
		return nil, NewError(CodeBadParameter, fmt.Sprintf("instance %q already exists", id), nil)
	}
	f := &Instance{
		id:      id,
		desc:    desc,
		impl:    impl,
		s:       s,
		args:    maps.Clone(opts.Args),
		values:  values,
		sources: slices.Clone(opts.Sources),
		dynamic: hints.dynamic,
		chain:   hints.chain,
		dest:    hints.dest,
		state:   StateCreated,
	}
	if f.args == nil {
		f.args = make(map[string]string)
	}
	f.logger = s.filters.With("filter", desc.Name, "instance", id)
	f.task = s.sched.NewTask(id, affinityOf(desc.Thread), f.run)
	s.instances = append(s.instances, f)
	s.byID[id] = f
	s.mu.Unlock()

	metrics.InstanceCreated(desc.Name)
	if err := f.callInitialize(); err != nil {
		s.forget(f)
		return nil, fmt.Errorf("initialize %s: %w", id, err)
	}
	f.logger.Info("Filter loaded", "dynamic", hints.dynamic, "thread", string(desc.Thread))
	return f, nil
}

func affinityOf(t ThreadRequirement) sched.Affinity {
	switch t {
	case ThreadMain:
		return sched.MainThread
	case ThreadDedicated:
		return sched.Dedicated
	}
	return sched.AnyWorker
}

// forget retires the task of f and drops it from the session.
func (s *Session) forget(f *Instance) {
	s.sched.Remove(f.task)
	metrics.InstanceDestroyed(f.desc.Name)
	s.mu.Lock()
	s.instances = slices.DeleteFunc(s.instances, func(o *Instance) bool { return o == f })
	if s.byID[f.id] == f {
		delete(s.byID, f.id)
	}
	s.mu.Unlock()
}

// Instance returns the instance with the given ID.
func (s *Session) Instance(id string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	return f, ok
}

// Instances returns the live instances in load order.
func (s *Session) Instances() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.instances)
}

// Err returns the first fatal error reported in the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Start schedules every instance. Pids created while loading are connected
// from here on. Calling Start again is a no-op.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	list := s.Instances()
	for _, f := range list {
		f.post()
	}
	s.logger.Info("Session started", "instances", len(list))
}

// Started reports whether Start was called.
func (s *Session) Started() bool { return s.started.Load() }

// Wait blocks until the graph has nothing left to do or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	return s.sched.WaitIdle(ctx)
}

// Run starts the session and waits until the graph has nothing left to do
// or ctx is done. It returns the first fatal error of the session.
func (s *Session) Run(ctx context.Context) error {
	s.Start()
	err := s.sched.WaitIdle(ctx)
	first := s.Err()
	ev := events.SessionIdleEvent{SessionID: s.id, Timestamp: now()}
	if first != nil {
		ev.Error = first.Error()
	}
	s.publish(ev)
	if err != nil {
		return err
	}
	s.logger.Info("Session idle", "error", first)
	return first
}

// SendEvent delivers ev to the instance id as if it arrived from outside
// the graph. A nil event pid addresses every output of the instance.
func (s *Session) SendEvent(id string, ev *Event) error {
	if ev == nil || !ev.Type.Valid() {
		return NewError(CodeBadParameter, "unknown event", nil)
	}
	f, ok := s.Instance(id)
	if !ok {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	if !f.alive() {
		return NewError(CodeNotConnected, fmt.Sprintf("instance %q is finalized", id), nil)
	}
	ev = ev.Clone(nil)
	f.addJob(func() { s.handleEvent(f, ev) })
	return nil
}

// UpdateArg changes an updatable argument of a running instance. The change
// is applied on the instance task, between two callbacks.
func (s *Session) UpdateArg(ctx context.Context, id, name, value string) error {
	f, ok := s.Instance(id)
	if !ok {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	a, ok := f.desc.Arg(name)
	if !ok {
		return NewError(CodeBadParameter, fmt.Sprintf("%s has no argument %q", f.desc.Name, name), nil)
	}
	if a.Flags&ArgUpdatable == 0 {
		return NewError(CodeUnsupported, fmt.Sprintf("argument %q cannot change at runtime", name), nil)
	}
	if !f.alive() {
		return NewError(CodeNotConnected, fmt.Sprintf("instance %q is finalized", id), nil)
	}

	res := make(chan error, 1)
	f.addJob(func() { res <- f.callUpdateArg(name, value) })
	select {
	case err := <-res:
		if err == nil {
			f.logger.Info("Argument updated", "arg", name, "value", value)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sources, lets queued packets drain until ctx is done, then
// finalizes every instance in load order and stops the scheduler.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopping.Store(true)
	list := s.Instances()
	for _, f := range list {
		if f.desc.IsSource() && f.alive() {
			f.addJob(func() { s.handleEvent(f, Stop()) })
		}
	}
	for _, f := range list {
		f.post()
	}
	err := s.sched.WaitIdle(ctx)
	if err != nil {
		s.logger.Warn("Session did not drain before teardown", "error", err)
	}
	if s.started.Load() && !errors.Is(err, sched.ErrStopped) {
		s.finalizeOnTasks(ctx)
	}
	s.sched.Stop()

	for _, f := range s.Instances() {
		f.callFinalize()
		s.forget(f)
	}
	for _, f := range list {
		for _, out := range f.Outputs() {
			out.q.flush()
		}
	}
	s.logger.Info("Session closed", "live_packets", LivePackets())
	if errors.Is(err, sched.ErrStopped) {
		return nil
	}
	return err
}

// finalizeTimeout bounds the wait for Finalize jobs once ctx is done.
const finalizeTimeout = 2 * time.Second

// finalizeOnTasks runs Finalize as the last job of every instance, in load
// order, so main-thread and dedicated filters release their resources on
// their own thread. Instances not finalized in time are finalized inline
// by the caller.
func (s *Session) finalizeOnTasks(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > finalizeTimeout {
		fctx, cancel = context.WithDeadline(context.WithoutCancel(ctx), deadline)
		defer cancel()
	}
	for _, f := range s.Instances() {
		done := make(chan struct{})
		f.addJob(func() {
			defer close(done)
			f.callFinalize()
		})
		select {
		case <-done:
		case <-fctx.Done():
			s.logger.Warn("Finalize did not run on the instance task", "filter", f.id)
			return
		}
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	ID          string          `json:"id"`
	Instances   []InstanceStats `json:"instances"`
	Scheduler   sched.Stats     `json:"scheduler"`
	LivePackets int64           `json:"live_packets"`
	Error       string          `json:"error,omitempty"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		ID:          s.id,
		Scheduler:   s.sched.Stats(),
		LivePackets: LivePackets(),
	}
	for _, f := range s.Instances() {
		st.Instances = append(st.Instances, f.Stats())
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// BlockedPids counts the output pids over their buffer threshold.
func (s *Session) BlockedPids() int {
	n := 0
	for _, f := range s.Instances() {
		for _, out := range f.Outputs() {
			if _, _, _, blocked := out.q.snapshot(); blocked {
				n++
			}
		}
	}
	return n
}

func (s *Session) newPid(f *Instance, output bool) *Pid {
	return &Pid{
		id:     s.pidSeq.Add(1),
		owner:  f,
		output: output,
		props:  props.NewBag(),
	}
}

func (s *Session) publish(ev events.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(ev)
	}
}

func (s *Session) publishState(f *Instance, st State) {
	s.publish(events.FilterStateChangedEvent{
		SessionID:  s.id,
		InstanceID: f.id,
		Filter:     f.desc.Name,
		State:      string(st),
		Dynamic:    f.dynamic,
		Timestamp:  now(),
	})
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// reportFailure records a fatal error of f.
func (s *Session) reportFailure(f *Instance, err error) {
	s.recordError(err)
	s.publish(events.FilterFailedEvent{
		SessionID:  s.id,
		InstanceID: f.id,
		Filter:     f.desc.Name,
		Code:       string(CodeOf(err)),
		Error:      err.Error(),
		Timestamp:  now(),
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
