package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/mediagraph/internal/config"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/filters"
	"github.com/smazurov/mediagraph/internal/resolve"
	"github.com/spf13/cobra"
)

// EngineOptions are the session settings shared by the server and the
// headless run command.
type EngineOptions struct {
	Workers        int
	MainThread     bool
	PidBufferUnits int
	PidBufferUs    int
	MaxChain       int
	AutoConnect    bool
}

// skipServerSetup replaces the root command hook, which builds and serves
// the configured graph, for subcommands that work on their own.
func skipServerSetup(*cobra.Command, []string) {}

// NewRegistry returns a frozen registry holding the built-in filters.
func NewRegistry() (*filter.Registry, error) {
	reg := filter.NewRegistry()
	if err := filters.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register filters: %w", err)
	}
	reg.Freeze()
	return reg, nil
}

// NewSession creates a session over reg with a resolver bounded by
// opts.MaxChain. Events go to bus when it is not nil.
func NewSession(reg *filter.Registry, opts EngineOptions, bus *events.Bus, logger *slog.Logger) *filter.Session {
	cfg := filter.Config{
		Workers:       opts.Workers,
		MainThread:    opts.MainThread,
		BlockUnits:    opts.PidBufferUnits,
		BlockDuration: time.Duration(opts.PidBufferUs) * time.Microsecond,
		AutoConnect:   opts.AutoConnect,
		Resolver:      resolve.New(reg, opts.MaxChain),
		Logger:        logger,
	}
	if bus != nil {
		cfg.Events = bus
	}
	return filter.NewSession(reg, cfg)
}

// ApplyGraphArgs pushes the arguments of g to the running instances of s.
// Only updatable arguments whose value changed are applied. It returns the
// number of arguments updated.
func ApplyGraphArgs(ctx context.Context, s *filter.Session, g *config.Graph, logger *slog.Logger) int {
	updated := 0
	for _, spec := range g.Filters {
		if spec.ID == "" {
			continue
		}
		f, ok := s.Instance(spec.ID)
		if !ok {
			logger.Debug("Graph filter not running, skipping", "id", spec.ID)
			continue
		}
		if f.Name() != spec.Name {
			logger.Warn("Graph filter changed type, restart required", "id", spec.ID, "running", f.Name(), "declared", spec.Name)
			continue
		}
		current := f.Args()
		for name, value := range spec.Args {
			if current[name] == value {
				continue
			}
			arg, ok := f.Descriptor().Arg(name)
			if !ok || arg.Flags&filter.ArgUpdatable == 0 {
				logger.Warn("Argument cannot change at runtime, restart required", "id", spec.ID, "arg", name)
				continue
			}
			if err := s.UpdateArg(ctx, spec.ID, name, value); err != nil {
				logger.Warn("Failed to update argument", "id", spec.ID, "arg", name, "error", err)
				continue
			}
			updated++
		}
	}
	return updated
}
