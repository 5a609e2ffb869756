// Package process runs external commands for source filters.
//
// Process wraps os/exec for a single subprocess:
//   - Graceful shutdown with SIGINT when the run context ends
//   - Force kill with SIGKILL if graceful shutdown times out
//   - Stdout lines handed to an OutputHandler, stderr lines logged at the
//     level found by a LogParser
//   - Restart with a new command through RequestRestart
//
// Example:
//
//	p := process.New("execin1", "tail -f /var/log/syslog", logger)
//	p.SetOutputHandler(process.OutputFunc(func(_, line string) {
//	    lines <- line
//	}))
//	p.SetLogParser(process.ParseLogLevel)
//	code := p.RunWithRestart(ctx)
package process
