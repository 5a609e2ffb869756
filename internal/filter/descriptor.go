package filter

import (
	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/props"
)

// ThreadRequirement constrains where an instance's callbacks run.
type ThreadRequirement string

// Thread requirements.
const (
	ThreadAny       ThreadRequirement = "any"       // any worker
	ThreadMain      ThreadRequirement = "main"      // the designated main thread
	ThreadDedicated ThreadRequirement = "dedicated" // a goroutine of its own, may block
)

// ProbeScore ranks how well a source filter type handles a URL.
type ProbeScore int

// Probe scores, ordered.
const (
	ProbeNotSupported ProbeScore = iota
	ProbeMaybe
	ProbeSupported
)

func (s ProbeScore) String() string {
	switch s {
	case ProbeMaybe:
		return "maybe"
	case ProbeSupported:
		return "supported"
	}
	return "not_supported"
}

// ArgFlags qualify an argument.
type ArgFlags uint8

// Argument flags.
const (
	ArgUpdatable ArgFlags = 1 << iota // may change while running
	ArgRequired                       // must be given, there is no default
	ArgHidden                         // not listed in help output
)

// ArgDesc describes one filter argument. The value is stored in the filter
// struct field tagged `arg:"<Name>"`.
type ArgDesc struct {
	Name        string
	Kind        props.Kind
	Default     string
	Description string
	Enum        []string
	Flags       ArgFlags
}

// Descriptor registers a filter type.
type Descriptor struct {
	Name        string
	Description string
	// Priority orders candidates during resolution, higher first.
	Priority int
	Thread   ThreadRequirement
	Args     []ArgDesc
	Caps     caps.Table
	// New returns the private state of a fresh instance.
	New func() Filter
	// Probe scores a URL for source selection. Optional.
	Probe func(url, mime string) ProbeScore
	// Explicit filter types are never inserted automatically by the resolver.
	Explicit bool

	index int
}

// Index returns the registration order of d.
func (d *Descriptor) Index() int { return d.index }

// Arg returns the argument description named name.
func (d *Descriptor) Arg(name string) (ArgDesc, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgDesc{}, false
}

// IsSource reports whether the type takes no inputs.
func (d *Descriptor) IsSource() bool { return !d.Caps.AcceptsInputs() }

// IsSink reports whether the type produces no outputs.
func (d *Descriptor) IsSink() bool { return !d.Caps.ProducesOutputs() }

// Filter is the private state and callback set of a filter type.
type Filter interface {
	// ConfigurePid is called when an input pid connects, changes properties
	// (remove=false) or disconnects (remove=true).
	ConfigurePid(f *Instance, pid *Pid, remove bool) error
	// Process does a bounded amount of work. Returning ErrEOS parks the
	// instance until new input or events arrive.
	Process(f *Instance) error
}

// Initializer is implemented by filters needing setup after arguments are bound.
type Initializer interface {
	Initialize(f *Instance) error
}

// Finalizer is implemented by filters releasing resources at teardown.
type Finalizer interface {
	Finalize(f *Instance)
}

// EventHandler is implemented by filters reacting to control events.
// Returning true stops propagation.
type EventHandler interface {
	ProcessEvent(f *Instance, ev *Event) bool
}

// ArgUpdater is implemented by filters accepting runtime updates of
// ArgUpdatable arguments. The bound field is already updated when called.
type ArgUpdater interface {
	UpdateArg(f *Instance, name string, value props.Value) error
}

// OutputReconfigurer is implemented by filters able to change the format of
// an output pid when its consumer negotiates properties. It runs on the
// producer task and sets the new properties on out; the consumer takes the
// edge as is only if out then carries every value of want.
type OutputReconfigurer interface {
	ReconfigureOutput(f *Instance, out *Pid, want *props.Bag) error
}
