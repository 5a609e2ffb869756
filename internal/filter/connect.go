package filter

import (
	"errors"
	"fmt"
	"slices"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
)

// connectOutput finds a consumer for a new output pid. It runs on the
// producer task once the callback that created the pid has returned.
//
// Candidates are tried in load order, instances without inputs first. A
// candidate is taken when its capabilities match the pid directly, or when
// the resolver finds an adapter chain toward it.
func (s *Session) connectOutput(out *Pid) {
	if out.removed {
		return
	}
	owner := out.owner
	snap := out.PropsSnapshot()
	out.linked = true
	out.dirty = false
	set := caps.FromBag(snap)

	// resolver-inserted instances carry the rest of their chain
	if len(owner.chain) > 0 {
		next, err := s.newDynamic(owner.chain[0], owner.chain[1:], owner.dest)
		if err != nil {
			s.failEdge(out, err)
			return
		}
		s.link(out, next, snap)
		return
	}
	if owner.dest != nil && owner.dest.alive() {
		s.link(out, owner.dest, snap)
		return
	}

	candidates := s.candidates(out)
	for _, dst := range candidates {
		if _, ok := dst.desc.Caps.Match(set); ok {
			metrics.IncrementResolutions("direct")
			s.link(out, dst, snap)
			return
		}
	}
	if s.cfg.Resolver != nil {
		for _, dst := range candidates {
			chain, err := s.cfg.Resolver.ResolveTo(set, dst.desc)
			if err != nil || len(chain) == 0 {
				continue
			}
			first, err := s.newDynamic(chain[0], chain[1:], dst)
			if err != nil {
				owner.logger.Warn("Failed to load adapter", "adapter", chain[0].Name, "error", err)
				continue
			}
			metrics.IncrementResolutions("chain")
			s.link(out, first, snap)
			return
		}
	}

	if s.cfg.AutoConnect && s.cfg.Resolver != nil {
		if chain, err := s.cfg.Resolver.ResolveAny(set); err == nil && len(chain) > 0 {
			first, err := s.newDynamic(chain[0], chain[1:], nil)
			if err == nil {
				metrics.IncrementResolutions("chain")
				s.link(out, first, snap)
				return
			}
			owner.logger.Warn("Failed to load sink chain", "error", err)
		}
	}

	if len(candidates) > 0 {
		s.failEdge(out, NewError(CodeCapabilityMismatch, fmt.Sprintf("no filter chain for %s (%s)", out, set), nil))
		return
	}
	owner.logger.Warn("Pid left unconnected", "pid", out.name, "caps", set.String())
	s.unconnected(out)
}

// candidates lists the instances out may connect to.
func (s *Session) candidates(out *Pid) []*Instance {
	owner := out.owner
	var fresh, used []*Instance
	for _, dst := range s.Instances() {
		if dst == owner || dst.dynamic || dst.desc.IsSource() || !dst.alive() || dst.Err() != nil {
			continue
		}
		if !s.acceptsFrom(dst, owner) || s.derivesFrom(owner, dst.id) {
			continue
		}
		if len(dst.Inputs()) == 0 && dst.pendingLinks.Load() == 0 {
			fresh = append(fresh, dst)
		} else {
			used = append(used, dst)
		}
	}
	return append(fresh, used...)
}

// acceptsFrom reports whether dst takes pids from producer under its source
// restrictions.
func (s *Session) acceptsFrom(dst, producer *Instance) bool {
	dst.mu.RLock()
	sources := slices.Clone(dst.sources)
	dst.mu.RUnlock()
	if len(sources) == 0 {
		return true
	}
	for _, id := range sources {
		if producer.id == id || s.derivesFrom(producer, id) {
			return true
		}
	}
	return false
}

// derivesFrom reports whether f is fed, directly or not, by the instance id.
func (s *Session) derivesFrom(f *Instance, id string) bool {
	seen := map[*Instance]bool{f: true}
	stack := []*Instance{f}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, in := range cur.Inputs() {
			if in.peer == nil {
				continue
			}
			up := in.peer.owner
			if up.id == id {
				return true
			}
			if !seen[up] {
				seen[up] = true
				stack = append(stack, up)
			}
		}
	}
	return false
}

// newDynamic loads a resolver-inserted adapter. chain and dest are what is
// left to build after it.
func (s *Session) newDynamic(desc *Descriptor, chain []*Descriptor, dest *Instance) (*Instance, error) {
	f, err := s.instantiate(desc, LoadOptions{}, instanceHints{dynamic: true, chain: chain, dest: dest})
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Adapter inserted", "remaining", len(chain))
	return f, nil
}

// link creates the input pid of dst for out. The consumer accepts it, or
// not, in ConfigurePid on its own task; until then packets sent on out are
// queued.
func (s *Session) link(out *Pid, dst *Instance, snap *props.Bag) {
	in := s.newPid(dst, false)
	in.name = out.name
	in.peer = out
	in.props = snap
	in.info = out.infoSnapshot()

	out.q.mu.Lock()
	out.q.pending = true
	out.q.mu.Unlock()

	dst.pendingLinks.Add(1)
	dst.addJob(func() { s.configureInput(dst, in) })
}

// configureInput runs on the consumer task.
func (s *Session) configureInput(dst *Instance, in *Pid) {
	dst.pendingLinks.Add(-1)
	out := in.peer
	if !dst.alive() || dst.Err() != nil {
		s.failEdge(out, NewError(CodeNotConnected, fmt.Sprintf("consumer %s is gone", dst.id), nil))
		return
	}

	dst.mu.Lock()
	dst.inputs = append(dst.inputs, in)
	dst.mu.Unlock()

	// a new consumer starts from no play request
	out.play.Store(playUnset)
	err := dst.callConfigurePid(in, false)
	if err == nil {
		negotiate := in.want != nil
		in.negotiating.Store(negotiate)
		out.q.mu.Lock()
		out.q.consumer = in
		out.q.pending = false
		out.q.mu.Unlock()

		dst.logger.Info("Pid connected", "pid", in.name, "producer", out.owner.id)
		s.publish(events.PidConnectedEvent{
			SessionID: s.id,
			Producer:  out.owner.id,
			Pid:       out.name,
			Consumer:  dst.id,
			Timestamp: now(),
		})
		if negotiate {
			s.negotiate(in)
			return
		}
		dst.wakeForInput()
		out.owner.post()
		return
	}

	dst.dropInput(in)
	switch {
	case errors.Is(err, ErrNeedsNewInstance):
		clone, cerr := s.cloneInstance(dst)
		if cerr != nil {
			s.failEdge(out, cerr)
			return
		}
		s.link(out, clone, in.props)
	case errors.Is(err, ErrCapabilityMismatch):
		if s.adapt(out, dst, in.props, dst.desc) {
			return
		}
		s.failEdge(out, err)
	default:
		s.failEdge(out, err)
		dst.fail(err)
	}
}

// adapt links out to an adapter chain toward dst, resolved against target:
// the descriptor of dst, possibly with narrowed capabilities. Each output
// pid gets one attempt, and instances already adapting toward dst are not
// adapted again.
func (s *Session) adapt(out *Pid, dst *Instance, snap *props.Bag, target *Descriptor) bool {
	if s.cfg.Resolver == nil || out.owner.dest == dst || !out.adapted.CompareAndSwap(false, true) {
		return false
	}
	chain, err := s.cfg.Resolver.ResolveTo(caps.FromBag(snap), target)
	if err != nil || len(chain) == 0 {
		return false
	}
	first, err := s.newDynamic(chain[0], chain[1:], dst)
	if err != nil {
		dst.logger.Warn("Failed to load adapter", "adapter", chain[0].Name, "error", err)
		return false
	}
	metrics.IncrementResolutions("chain")
	s.link(out, first, snap)
	return true
}

func (f *Instance) dropInput(in *Pid) {
	f.mu.Lock()
	f.inputs = slices.DeleteFunc(f.inputs, func(p *Pid) bool { return p == in })
	f.mu.Unlock()
}

// cloneInstance loads another instance of dst's type with the same
// arguments, for a pid dst cannot take alongside its current ones.
func (s *Session) cloneInstance(dst *Instance) (*Instance, error) {
	dst.mu.RLock()
	opts := LoadOptions{Args: dst.args, Sources: slices.Clone(dst.sources)}
	dst.mu.RUnlock()
	clone, err := s.instantiate(dst.desc, opts, instanceHints{dynamic: dst.dynamic, chain: dst.chain, dest: dst.dest})
	if err != nil {
		return nil, err
	}
	dst.logger.Info("Cloned instance for new pid", "clone", clone.id)
	return clone, nil
}

// failEdge gives up on connecting out. Packets sent on it fail with
// NOT_CONNECTED from now on.
func (s *Session) failEdge(out *Pid, err error) {
	q := out.q
	q.mu.Lock()
	q.pending = false
	q.consumer = nil
	q.mu.Unlock()
	q.flush()

	owner := out.owner
	owner.logger.Error("Failed to connect pid", "pid", out.name, "error", err)
	metrics.IncrementFilterErrors(owner.desc.Name, string(CodeOf(err)))
	s.reportFailure(owner, err)
	owner.post()
}

func (s *Session) unconnected(out *Pid) {
	q := out.q
	q.mu.Lock()
	q.pending = false
	q.mu.Unlock()
	q.flush()
	out.owner.post()
}

// relink moves an edge whose new properties its consumer rejected onto an
// adapter chain. It runs on the consumer task.
func (s *Session) relink(in *Pid, snap *props.Bag) {
	out := in.peer
	dst := in.owner
	s.detach(in)
	if s.adapt(out, dst, snap, dst.desc) {
		return
	}
	s.failEdge(out, NewError(CodeCapabilityMismatch, fmt.Sprintf("%s rejected new properties of %s", dst.id, out), nil))
}

// detach releases in from its consumer and keeps the producer queue
// pending for the next link. It runs on the consumer task.
func (s *Session) detach(in *Pid) {
	out := in.peer
	dst := in.owner
	if err := dst.callConfigurePid(in, true); err != nil {
		dst.logger.Warn("Error releasing pid", "pid", in.name, "error", err)
	}
	in.disconnected = true
	dst.dropInput(in)

	out.q.mu.Lock()
	if out.q.consumer == in {
		out.q.consumer = nil
		out.q.pending = true
	}
	out.q.mu.Unlock()
}

// removeOutput ends an output pid. A connected consumer gets a removal
// marker after the queued packets; a pid never linked drops its queue.
func (s *Session) removeOutput(out *Pid) {
	out.removed = true
	if out.linked && out.Connected() {
		out.sendMarker(nil, true)
		return
	}
	out.q.mu.Lock()
	out.q.pending = false
	out.q.mu.Unlock()
	out.q.flush()
}

// disconnectInput releases an input pid after its removal marker. It runs
// on the consumer task. Dynamic instances left without inputs go away.
func (s *Session) disconnectInput(in *Pid) {
	if in.disconnected {
		return
	}
	in.disconnected = true
	f := in.owner
	out := in.peer
	if f.alive() {
		if err := f.callConfigurePid(in, true); err != nil {
			f.logger.Warn("Error releasing pid", "pid", in.name, "error", err)
		}
	}
	f.dropInput(in)

	q := out.q
	q.mu.Lock()
	if q.consumer == in {
		q.consumer = nil
	}
	q.mu.Unlock()
	q.flush()

	f.logger.Info("Pid disconnected", "pid", in.name, "producer", out.owner.id)
	s.publish(events.PidDisconnectedEvent{
		SessionID: s.id,
		Producer:  out.owner.id,
		Pid:       out.name,
		Consumer:  f.id,
		Timestamp: now(),
	})

	if f.dynamic && len(f.Inputs()) == 0 && f.pendingLinks.Load() == 0 {
		s.removeInstance(f)
	}
}

// removeInstance removes the outputs of f, finalizes it and drops it from
// the session. It runs on the task of f.
func (s *Session) removeInstance(f *Instance) {
	for _, out := range f.Outputs() {
		f.RemovePid(out)
	}
	f.callFinalize()
	s.forget(f)
	f.logger.Info("Filter removed")
}
