package filters

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/process"
	"github.com/smazurov/mediagraph/internal/props"
)

const execScheme = "exec://"

// execPoll bounds how long Process waits for a line.
const execPoll = 100 * time.Millisecond

// ExecInput describes execin, a source emitting the stdout lines of a command
// as text packets.
func ExecInput() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "execin",
		Description: "Runs a command and emits its output lines",
		Thread:      filter.ThreadDedicated,
		Args: []filter.ArgDesc{
			{Name: "cmd", Kind: props.KindString, Description: "Command line to run", Flags: filter.ArgUpdatable},
			{Name: "src", Kind: props.KindString, Description: "exec:// URL naming the command"},
		},
		Caps: caps.Single(
			caps.Out(props.StreamType, props.Uint32(props.StreamText)),
			caps.Out(props.CodecID, props.Uint32(props.CodecText)),
		),
		Probe: func(url, _ string) filter.ProbeScore {
			if strings.HasPrefix(url, execScheme) {
				return filter.ProbeSupported
			}
			return filter.ProbeNotSupported
		},
		New: func() filter.Filter { return &execInput{} },
	}
}

type execInput struct {
	Cmd string `arg:"cmd"`
	Src string `arg:"src"`

	pid     *filter.Pid
	proc    *process.Process
	lines   chan string
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
	ended   bool
}

func (e *execInput) Initialize(f *filter.Instance) error {
	if e.Cmd == "" {
		e.Cmd = strings.TrimPrefix(e.Src, execScheme)
	}
	if strings.TrimSpace(e.Cmd) == "" {
		return filter.NewError(filter.CodeBadParameter, "no command given", nil)
	}
	e.pid = f.NewPid()
	e.pid.SetPropCode(props.StreamType, props.Uint32(props.StreamText))
	e.pid.SetPropCode(props.CodecID, props.Uint32(props.CodecText))
	e.pid.SetPropCode(props.Timescale, props.Uint32(1000))
	e.pid.SetPropCode(props.URL, props.String(execScheme+e.Cmd))
	return nil
}

func (e *execInput) ConfigurePid(*filter.Instance, *filter.Pid, bool) error {
	return filter.ErrUnsupported
}

// start launches the command on first use.
func (e *execInput) start(f *filter.Instance) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.lines = make(chan string, 64)
	e.done = make(chan struct{})
	e.started = time.Now()

	e.proc = process.New(f.ID(), e.Cmd, f.Logger())
	e.proc.SetLogParser(process.ParseLogLevel)
	e.proc.SetOutputHandler(process.OutputFunc(func(_, line string) {
		select {
		case e.lines <- line:
		case <-ctx.Done():
		}
	}))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.done)
		e.proc.RunWithRestart(ctx)
	}()
}

func (e *execInput) Process(f *filter.Instance) error {
	if e.ended {
		return filter.ErrEOS
	}
	if e.proc == nil {
		e.start(f)
	}
	if e.pid.WouldBlock() {
		return nil
	}

	select {
	case line := <-e.lines:
		return e.emit(line)
	case <-e.done:
		for len(e.lines) > 0 {
			if err := e.emit(<-e.lines); err != nil {
				return err
			}
		}
		e.finish(f)
		return filter.ErrEOS
	case <-time.After(execPoll):
		return nil
	}
}

func (e *execInput) emit(line string) error {
	pk, buf, err := e.pid.NewPacket(len(line))
	if err != nil {
		return err
	}
	copy(buf, line)
	ts := uint64(time.Since(e.started).Milliseconds())
	pk.SetDTS(ts)
	pk.SetCTS(ts)
	pk.SetFraming(true, true)
	pk.SetSAP(filter.SAP1)
	return pk.Send()
}

func (e *execInput) finish(f *filter.Instance) {
	e.ended = true
	info := e.proc.Info()
	if info.LastError != nil {
		f.Logger().Warn("Command failed", "command", info.Command, "error", info.LastError)
	} else {
		f.Logger().Debug("Command finished", "command", info.Command, "restarts", info.RestartCount)
	}
	e.pid.SetEOS()
}

func (e *execInput) UpdateArg(f *filter.Instance, name string, _ props.Value) error {
	if name != "cmd" || e.proc == nil {
		return nil
	}
	if e.ended {
		f.Logger().Warn("Command already finished, not restarting", "command", e.Cmd)
		return nil
	}
	e.proc.RequestRestart(e.Cmd)
	return nil
}

func (e *execInput) Finalize(*filter.Instance) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}
