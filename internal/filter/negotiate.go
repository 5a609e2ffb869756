package filter

import (
	"fmt"

	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
)

// negotiate asks the producer of in for the property values its consumer
// requested in ConfigurePid. It runs on the consumer task; the input holds
// its packets back until the outcome is known.
func (s *Session) negotiate(in *Pid) {
	want := in.want
	in.want = nil
	in.negotiating.Store(true)
	out := in.peer
	producer := out.owner
	dst := in.owner
	dst.logger.Info("Negotiating pid properties", "pid", in.name, "producer", producer.id, "want", want.String())
	producer.addJob(func() {
		ok := s.reconfigureOutput(out, want)
		dst.addJob(func() { s.settle(in, want, ok) })
	})
}

// reconfigureOutput lets the producer adopt want on out. It runs on the
// producer task.
func (s *Session) reconfigureOutput(out *Pid, want *props.Bag) bool {
	f := out.owner
	r, ok := f.impl.(OutputReconfigurer)
	if !ok || out.removed || !f.alive() || f.Err() != nil {
		return false
	}
	if err := f.guard(func() error { return r.ReconfigureOutput(f, out, want) }); err != nil {
		f.logger.Warn("Output reconfiguration failed", "pid", out.name, "error", err)
		return false
	}
	got := out.PropsSnapshot()
	for k, v := range want.All() {
		if cur, ok := got.Get(k); !ok || !cur.Equal(v) {
			return false
		}
	}
	return true
}

// settle ends a negotiation on the consumer task. A producer that took the
// new values resumes delivery on the same edge, the change reaching the
// consumer with the next packet. Otherwise an adapter chain producing want
// is inserted in front of the consumer.
func (s *Session) settle(in *Pid, want *props.Bag, reconfigured bool) {
	if in.disconnected {
		return
	}
	dst := in.owner
	out := in.peer
	if reconfigured {
		dst.logger.Info("Producer reconfigured pid", "pid", in.name, "producer", out.owner.id)
		metrics.IncrementResolutions("negotiated")
		in.negotiating.Store(false)
		dst.wakeForInput()
		out.owner.post()
		return
	}

	snap := in.PropsSnapshot()
	s.detach(in)
	target := &Descriptor{Name: dst.desc.Name, Caps: dst.desc.Caps.Require(want)}
	if s.adapt(out, dst, snap, target) {
		dst.logger.Info("Adapter inserted for negotiated properties", "pid", in.name, "want", want.String())
		return
	}
	s.failEdge(out, NewError(CodeCapabilityMismatch, fmt.Sprintf("no filter chain for %s with %s", out, want), nil))
}
