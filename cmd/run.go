package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smazurov/mediagraph/internal/config"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/logging"
	"github.com/spf13/cobra"
)

// CreateRunCmd creates the run command.
func CreateRunCmd() *cobra.Command {
	var opts EngineOptions
	var timeout time.Duration
	var drain time.Duration
	var logLevel string
	var logJSON bool
	var stats bool

	cmd := &cobra.Command{
		Use:   "run <graph.toml | filter[:arg=value...]...>",
		Short: "Run a filter graph until it is idle",
		Long: `Loads a graph from a TOML file, or from filter words such as ` +
			`"testsrc:count=5 inspect:SID=testsrc", runs it headless and exits once ` +
			`nothing is left to do. The exit status is non-zero when a filter failed.`,
		Example: `  mediagraph run graph.toml
  mediagraph run testsrc:FID=src:count=25 rtppay:FID=pay:SID=src rtpdepay:SID=pay inspect`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loggingConfig := logging.Config{Level: logLevel, Format: "text"}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("main")

			g, err := loadGraph(args)
			if err != nil {
				return err
			}

			reg, err := NewRegistry()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			sess := NewSession(reg, opts, nil, logging.GetLogger("session"))
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), drain)
				defer cancel()
				if closeErr := sess.Close(closeCtx); closeErr != nil {
					logger.Warn("Session did not close cleanly", "error", closeErr)
				}
			}()

			if err := sess.Build(ctx, g); err != nil {
				return err
			}
			logger.Info("Running graph", "filters", len(g.Filters), "session", sess.ID())

			runErr := runSession(ctx, sess, opts.MainThread)
			if stats {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(sess.Stats()); err != nil {
					return err
				}
			}
			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				logger.Info("Run interrupted", "reason", runErr)
				return sess.Err()
			}
			return runErr
		},
		PersistentPreRun: skipServerSetup,
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "Scheduler workers, one per CPU when 0")
	cmd.Flags().BoolVar(&opts.MainThread, "main-thread", false, "Run main-thread filters on the calling goroutine")
	cmd.Flags().IntVar(&opts.PidBufferUnits, "pid-buffer-units", 0, "Packets queued before a producer blocks")
	cmd.Flags().IntVar(&opts.PidBufferUs, "pid-buffer-us", 0, "Queued duration in microseconds before a producer blocks")
	cmd.Flags().IntVar(&opts.MaxChain, "max-chain", 0, "Longest adapter chain the resolver inserts")
	cmd.Flags().BoolVar(&opts.AutoConnect, "auto-connect", false, "Link unconnected pids to a resolved sink")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this duration, 0 runs until idle")
	cmd.Flags().DurationVar(&drain, "drain", 5*time.Second, "Time allowed for queued packets to drain on exit")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print session statistics as JSON when done")
	return cmd
}

// loadGraph reads a graph file when given a single .toml argument and parses
// filter words otherwise.
func loadGraph(args []string) (*config.Graph, error) {
	if len(args) == 1 && strings.HasSuffix(args[0], ".toml") {
		return config.LoadGraph(args[0])
	}
	g, err := config.ParseGraph(args)
	if err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return g, nil
}

// runSession runs s until idle. With main-thread filters the calling
// goroutine serves them while the run completes.
func runSession(ctx context.Context, s *filter.Session, mainThread bool) error {
	if !mainThread {
		return s.Run(ctx)
	}
	mainCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
		cancel()
	}()
	_ = s.RunMain(mainCtx)
	return <-done
}
