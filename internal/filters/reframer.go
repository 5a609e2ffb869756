package filters

import (
	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
)

// Reframer describes reframer, which turns fragmented streams into whole
// frames. The resolver inserts it in front of consumers refusing unframed
// input.
func Reframer() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "reframer",
		Description: "Reassembles fragmented streams into whole frames",
		Caps: caps.Single(
			caps.In(props.Unframed, props.Bool(true)),
			caps.Out(props.Unframed, props.Bool(false)),
		),
		New: func() filter.Filter { return &reframer{} },
	}
}

type reframer struct {
	outs  map[*filter.Pid]*filter.Pid
	ended map[*filter.Pid]bool
}

func (r *reframer) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	if r.outs == nil {
		r.outs = make(map[*filter.Pid]*filter.Pid)
		r.ended = make(map[*filter.Pid]bool)
	}
	out := r.outs[pid]
	if remove {
		if out != nil {
			f.RemovePid(out)
			delete(r.outs, pid)
			delete(r.ended, pid)
		}
		return nil
	}
	if out == nil {
		out = f.NewPid()
		r.outs[pid] = out
		pid.SetFramingMode(true)
	}
	out.CopyProps(pid)
	out.SetPropCode(props.Unframed, props.Bool(false))
	return nil
}

// Process returns nil rather than ErrEOS while an output is full, so that
// the instance runs again once the consumer drains it.
func (r *reframer) Process(f *filter.Instance) error {
	blocked := false
	for _, in := range f.Inputs() {
		out := r.outs[in]
		if out == nil {
			continue
		}
		for {
			if out.WouldBlock() {
				blocked = true
				break
			}
			pk := in.GetPacket()
			if pk == nil {
				break
			}
			fwd, err := out.Forward(pk)
			if err != nil {
				return err
			}
			in.DropPacket()
			fwd.SetFraming(true, true)
			if err := fwd.Send(); err != nil {
				return err
			}
		}
		if in.IsEOS() && !r.ended[in] {
			r.ended[in] = true
			out.SetEOS()
		}
	}
	if blocked {
		return nil
	}
	return filter.ErrEOS
}
