package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// OutputFunc adapts a function to OutputHandler.
type OutputFunc func(source, line string)

// HandleLine calls f.
func (f OutputFunc) HandleLine(source, line string) { f(source, line) }

// LogParser parses a log line and returns the log level and message.
type LogParser func(line string) (level, msg string)

type exitReason int

const (
	exitReasonProcessExit exitReason = iota
	exitReasonShutdown
	exitReasonRestart
)

// Process manages the lifecycle of a subprocess.
type Process struct {
	id          string
	command     string
	cmd         *exec.Cmd
	mu          sync.RWMutex
	logger      *slog.Logger
	restartChan chan string

	// stdout lines go to the handler, stderr lines to the log
	outputHandler OutputHandler
	logParser     LogParser

	state        State
	pid          int
	startedAt    time.Time
	restartCount int
	lastError    error

	gracefulTimeout time.Duration // timeout for graceful shutdown before force kill
	killTimeout     time.Duration // timeout after Kill() before giving up
}

// New creates a process for command. Nothing runs until Run.
func New(id, command string, logger *slog.Logger) *Process {
	return &Process{
		id:              id,
		command:         command,
		logger:          logger.With("process", id),
		restartChan:     make(chan string, 1),
		state:           StateIdle,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
	}
}

// SetOutputHandler sets the receiver of stdout lines.
func (p *Process) SetOutputHandler(h OutputHandler) {
	p.outputHandler = h
}

// SetLogParser sets the parser extracting log levels from stderr lines.
func (p *Process) SetLogParser(parser LogParser) {
	p.logParser = parser
}

// SetGracefulTimeout sets how long a stopping process may take before it is killed.
func (p *Process) SetGracefulTimeout(d time.Duration) {
	p.gracefulTimeout = d
	p.killTimeout = d
}

// Command returns the current command string.
func (p *Process) Command() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.command
}

// Info returns a snapshot of the process state.
func (p *Process) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		ID:           p.id,
		Command:      p.command,
		State:        p.state,
		PID:          p.pid,
		StartedAt:    p.startedAt,
		RestartCount: p.restartCount,
		LastError:    p.lastError,
	}
}

func (p *Process) setState(st State, err error) {
	p.mu.Lock()
	p.state = st
	if err != nil {
		p.lastError = err
	}
	p.mu.Unlock()
}

// RequestRestart requests a restart with a new command.
// Non-blocking: if a restart is already pending, this is a no-op.
func (p *Process) RequestRestart(newCommand string) {
	select {
	case p.restartChan <- newCommand:
		p.logger.Info("Restart requested", "command", newCommand)
	default:
		p.logger.Warn("Restart already pending, ignoring")
	}
}

// runningProcess holds channels for monitoring a running subprocess.
type runningProcess struct {
	processDone <-chan error
	outputDone  chan struct{} // receives twice, once per output stream
}

// startProcess parses the command, starts the subprocess, and returns channels for monitoring.
func (p *Process) startProcess(command string) (*runningProcess, error) {
	p.setState(StateStarting, nil)
	args, err := parseCommand(command)
	if err != nil {
		p.logger.Error("Failed to parse command", "error", err)
		return nil, err
	}
	if len(args) == 0 {
		p.logger.Error("Empty command")
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "error", err, "command", command)
		return nil, err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.state = StateRunning
	p.mu.Unlock()
	p.logger.Info("Process started", "pid", cmd.Process.Pid, "command", command)

	outputDone := make(chan struct{}, 2)
	go func() {
		p.streamOutput(stdout, "stdout")
		outputDone <- struct{}{}
	}()
	go func() {
		p.streamOutput(stderr, "stderr")
		outputDone <- struct{}{}
	}()

	processDone := make(chan error, 1)
	go func() {
		processDone <- cmd.Wait()
	}()

	return &runningProcess{processDone: processDone, outputDone: outputDone}, nil
}

// waitOutputDone waits for both output streams to complete.
func (p *Process) waitOutputDone(outputDone <-chan struct{}) {
	<-outputDone
	<-outputDone
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func (p *Process) handleProcessExit(processErr error) int {
	exitCode := exitCodeFromError(processErr)
	if processErr != nil && exitCode == 1 {
		p.logger.Error("Process exited with error", "error", processErr)
	}
	return exitCode
}

// Run starts the subprocess and blocks until it exits or ctx is done, in
// which case the process gets SIGINT and, after the graceful timeout,
// SIGKILL. Returns the exit code of the subprocess.
func (p *Process) Run(ctx context.Context) int {
	code, _ := p.runOnce(ctx)
	return code
}

// RunWithRestart runs the subprocess and handles restart requests.
// Returns when ctx is done or the process exits on its own.
func (p *Process) RunWithRestart(ctx context.Context) int {
	for {
		exitCode, reason := p.runOnce(ctx)
		switch reason {
		case exitReasonRestart:
			p.mu.Lock()
			p.restartCount++
			p.mu.Unlock()
			p.logger.Info("Restarting process")
			continue
		case exitReasonShutdown:
			p.logger.Info("Shutdown complete", "exit_code", exitCode)
		case exitReasonProcessExit:
			p.logger.Info("Process exited", "exit_code", exitCode)
		}
		return exitCode
	}
}

// runOnce runs the process once and returns the exit code and reason for exit.
func (p *Process) runOnce(ctx context.Context) (int, exitReason) {
	rp, err := p.startProcess(p.Command())
	if err != nil {
		p.setState(StateError, err)
		return 1, exitReasonProcessExit
	}
	defer p.waitOutputDone(rp.outputDone)

	select {
	case <-ctx.Done():
		p.setState(StateStopping, nil)
		p.sendStopSignal()
		code := p.waitForExit(rp.processDone, p.gracefulTimeout)
		p.setState(StateIdle, nil)
		return code, exitReasonShutdown

	case newCmd := <-p.restartChan:
		p.setState(StateStopping, nil)
		p.sendStopSignal()
		p.mu.Lock()
		p.command = newCmd
		p.mu.Unlock()
		return p.waitForExit(rp.processDone, p.gracefulTimeout), exitReasonRestart

	case processErr := <-rp.processDone:
		exitCode := p.handleProcessExit(processErr)
		if exitCode != 0 {
			p.setState(StateError, fmt.Errorf("exit code %d", exitCode))
		} else {
			p.setState(StateIdle, nil)
		}
		return exitCode, exitReasonProcessExit
	}
}

// sendStopSignal sends SIGINT to the subprocess without waiting.
func (p *Process) sendStopSignal() {
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	p.logger.Debug("Sending SIGINT to process", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to send SIGINT", "error", err)
	}
}

// waitForExit waits for the process to exit with a timeout, force-killing if needed.
func (p *Process) waitForExit(processDone <-chan error, timeout time.Duration) int {
	select {
	case err := <-processDone:
		return exitCodeFromError(err)
	case <-time.After(timeout):
		p.logger.Warn("Graceful shutdown timeout, forcing kill", "timeout", timeout)
		p.mu.RLock()
		cmd := p.cmd
		p.mu.RUnlock()
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Error("Failed to kill process", "error", err)
		}
		select {
		case <-processDone:
		case <-time.After(p.killTimeout):
			p.logger.Error("Process did not exit after kill signal")
		}
		return 137
	}
}

// streamOutput hands stdout lines to the output handler and logs stderr
// lines at the level found by the log parser.
func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()

		if source == "stdout" && p.outputHandler != nil {
			p.outputHandler.HandleLine(source, line)
			continue
		}

		level, msg := "info", line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}
		switch level {
		case "fatal", "panic", "error":
			p.logger.Error(msg, "source", source)
		case "warning", "warn":
			p.logger.Warn(msg, "source", source)
		case "debug", "trace", "verbose":
			p.logger.Debug(msg, "source", source)
		default:
			p.logger.Info(msg, "source", source)
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("Error reading output", "source", source, "error", err)
	}
}

// parseCommand parses a command string into arguments
// Handles quoted strings and basic escaping.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	runes := []rune(strings.TrimSpace(command))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}
	if inQuote {
		return nil, errors.New("unclosed quote in command")
	}
	return args, nil
}
