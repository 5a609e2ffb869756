package filter

// routeEvent sends ev out of pid from. Upstream events leave through input
// pids toward their producer, downstream events through output pids toward
// their consumer. Delivery happens on the receiving task.
func (s *Session) routeEvent(from *Pid, ev *Event) {
	if ev == nil || !ev.Type.Valid() {
		return
	}
	var target *Pid
	if ev.Type.Upstream() {
		if from.output {
			from.owner.logger.Debug("Upstream event sent on output pid", "event", ev.String())
			return
		}
		target = from.peer
	} else {
		if !from.output {
			from.owner.logger.Debug("Downstream event sent on input pid", "event", ev.String())
			return
		}
		target = from.Peer()
	}
	if target == nil {
		return
	}
	f := target.owner
	if !f.alive() {
		return
	}
	ev = ev.Clone(target)
	f.addJob(func() { s.handleEvent(f, ev) })
}

// handleEvent delivers ev to f and forwards it unless f consumed it. Play
// and stop are deduplicated per output pid: a pid already playing ignores
// play, one already stopped ignores stop. A freshly connected pid is
// neither, so its first play or stop always goes through.
func (s *Session) handleEvent(f *Instance, ev *Event) {
	if !f.alive() {
		return
	}
	switch ev.Type {
	case EventPlay, EventStop:
		stop := ev.Type == EventStop
		if ev.Pid != nil {
			if !ev.Pid.setPlay(stop) {
				return
			}
		} else {
			changed := false
			for _, out := range f.Outputs() {
				if out.setPlay(stop) {
					changed = true
				}
			}
			if !changed && len(f.Outputs()) > 0 {
				return
			}
		}
		if !stop {
			f.unpark()
		}
	}

	if f.callEvent(ev) {
		return
	}
	if ev.Type.Upstream() {
		for _, in := range f.Inputs() {
			s.routeEvent(in, ev)
		}
		return
	}
	for _, out := range f.Outputs() {
		s.routeEvent(out, ev)
	}
}
