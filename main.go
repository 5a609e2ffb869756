package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/mediagraph/cmd"
	"github.com/smazurov/mediagraph/internal/api"
	"github.com/smazurov/mediagraph/internal/config"
	"github.com/smazurov/mediagraph/internal/events"
	"github.com/smazurov/mediagraph/internal/logging"
	"github.com/smazurov/mediagraph/internal/metrics/exporters"
	"github.com/smazurov/mediagraph/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port        string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigins string `help:"Comma-separated origins allowed to call the API, any when empty" default:"" toml:"server.cors_origins" env:"SERVER_CORS_ORIGINS"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Engine settings
	EngineWorkers        int  `help:"Scheduler workers, one per CPU when 0" default:"0" toml:"engine.workers" env:"ENGINE_WORKERS"`
	EngineMainThread     bool `help:"Serve main-thread filters on the main goroutine" default:"false" toml:"engine.main_thread" env:"ENGINE_MAIN_THREAD"`
	EnginePidBufferUnits int  `help:"Packets queued before a producer blocks" default:"0" toml:"engine.pid_buffer_units" env:"ENGINE_PID_BUFFER_UNITS"`
	EnginePidBufferUs    int  `help:"Queued duration in microseconds before a producer blocks" default:"0" toml:"engine.pid_buffer_us" env:"ENGINE_PID_BUFFER_US"`
	EngineMaxChain       int  `help:"Longest adapter chain the resolver inserts" default:"0" toml:"engine.max_chain" env:"ENGINE_MAX_CHAIN"`
	EngineAutoConnect    bool `help:"Link unconnected pids to a resolved sink" default:"false" toml:"engine.auto_connect" env:"ENGINE_AUTO_CONNECT"`

	// Graph settings
	GraphFile  string `help:"Filter graph file" default:"graph.toml" toml:"graph.file" env:"GRAPH_FILE"`
	GraphWatch bool   `help:"Apply argument changes when the graph file changes" default:"true" toml:"graph.watch" env:"GRAPH_WATCH"`

	// Observability settings
	StatsInterval string `help:"Session statistics SSE interval" default:"1s" toml:"obs.stats_interval" env:"OBS_STATS_INTERVAL"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSession string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingSched   string `help:"Scheduler logging level" default:"info" toml:"logging.sched" env:"LOGGING_SCHED"`
	LoggingResolve string `help:"Resolver logging level" default:"info" toml:"logging.resolve" env:"LOGGING_RESOLVE"`
	LoggingFilters string `help:"Filter instances logging level" default:"info" toml:"logging.filters" env:"LOGGING_FILTERS"`
	LoggingProcess string `help:"Child process logging level" default:"info" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingConfig  string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
}

// Validate rejects engine and graph settings the session cannot run with.
func (o *Options) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"engine.workers":          o.EngineWorkers,
		"engine.pid_buffer_units": o.EnginePidBufferUnits,
		"engine.pid_buffer_us":    o.EnginePidBufferUs,
		"engine.max_chain":        o.EngineMaxChain,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if o.GraphWatch && o.GraphFile == "" {
		errs = append(errs, errors.New("graph.watch needs graph.file"))
	}
	if d, err := time.ParseDuration(o.StatsInterval); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("obs.stats_interval %q is not a positive duration", o.StatsInterval))
	}
	if o.LoggingFormat != "text" && o.LoggingFormat != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is neither text nor json", o.LoggingFormat))
	}
	return errors.Join(errs...)
}

func (o *Options) corsOrigins() []string {
	var out []string
	for _, origin := range strings.Split(o.CORSOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		report, loadErr := config.Load(opts, cli.Root())
		if loadErr != nil {
			slog.Error("Failed to load config", "path", opts.Config, "error", loadErr)
			os.Exit(1)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"session": opts.LoggingSession,
				"sched":   opts.LoggingSched,
				"resolve": opts.LoggingResolve,
				"filters": opts.LoggingFilters,
				"process": opts.LoggingProcess,
				"api":     opts.LoggingAPI,
				"config":  opts.LoggingConfig,
			},
		})

		logger := logging.GetLogger("main")
		logger.Info("Starting", "version", version.Get().String())
		if len(report.Unknown) > 0 {
			logger.Warn("Ignoring unknown config keys", "path", opts.Config, "keys", report.Unknown)
		}
		logger.Debug("Engine config", "workers", opts.EngineWorkers, "source", report.Sources["engine.workers"],
			"graph", opts.GraphFile, "graph_source", report.Sources["graph.file"])

		reg, err := cmd.NewRegistry()
		if err != nil {
			logger.Error("Failed to build filter registry", "error", err)
			os.Exit(1)
		}

		// Create event bus for in-process event handling
		eventBus := events.New()

		engineOpts := cmd.EngineOptions{
			Workers:        opts.EngineWorkers,
			MainThread:     opts.EngineMainThread,
			PidBufferUnits: opts.EnginePidBufferUnits,
			PidBufferUs:    opts.EnginePidBufferUs,
			MaxChain:       opts.EngineMaxChain,
			AutoConnect:    opts.EngineAutoConnect,
		}
		session := cmd.NewSession(reg, engineOpts, eventBus, logging.GetLogger("session"))

		if g, loadErr := config.LoadGraph(opts.GraphFile); loadErr != nil {
			if errors.Is(loadErr, os.ErrNotExist) {
				logger.Warn("Graph file not found, starting with an empty graph", "path", opts.GraphFile)
			} else {
				logger.Error("Failed to load graph", "path", opts.GraphFile, "error", loadErr)
				os.Exit(1)
			}
		} else if buildErr := session.Build(context.Background(), g); buildErr != nil {
			logger.Error("Failed to build graph", "path", opts.GraphFile, "error", buildErr)
			os.Exit(1)
		} else {
			logger.Info("Graph loaded", "path", opts.GraphFile, "filters", len(g.Filters))
		}

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Session:           session,
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
			CORSOrigins:       opts.corsOrigins(),
		})
		logging.SetLogCallback(server.PublishLogEntry)

		statsInterval, _ := time.ParseDuration(opts.StatsInterval)
		sseExporter := exporters.NewSSEExporter(eventBus, session, statsInterval)

		// Log levels follow the config file, updatable args follow the graph file
		configLogger := logging.GetLogger("config")
		logWatcher := config.NewConfigWatcher(opts.Config, func(path string) (logging.Config, error) {
			return config.LoadLoggingConfig(path), nil
		}, configLogger)
		logWatcher.OnReload(func(cfg logging.Config) {
			applyLogLevels(cfg, configLogger)
		})

		var graphWatcher *config.Watcher[*config.Graph]
		if opts.GraphWatch {
			graphWatcher = config.NewConfigWatcher(opts.GraphFile, config.LoadGraph, configLogger)
			graphWatcher.OnReload(func(g *config.Graph) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				n := cmd.ApplyGraphArgs(ctx, session, g, configLogger)
				configLogger.Info("Graph reloaded", "path", opts.GraphFile, "updated_args", n)
			})
		}

		runCtx, cancelRun := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			sseExporter.Start(runCtx)
			if watchErr := logWatcher.Start(); watchErr != nil {
				logger.Warn("Failed to watch config file", "path", opts.Config, "error", watchErr)
			}
			if graphWatcher != nil {
				if watchErr := graphWatcher.Start(); watchErr != nil {
					logger.Warn("Failed to watch graph file", "path", opts.GraphFile, "error", watchErr)
				}
			}

			go func() {
				if runErr := session.Run(runCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
					logger.Error("Graph stopped with an error", "error", runErr)
				}
			}()

			serve := func() {
				logger.Info("Starting HTTP server", "port", opts.Port)
				if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
					logger.Error("Failed to start HTTP server", "error", startErr)
					os.Exit(1)
				}
			}

			notifySystemd(logger, daemon.SdNotifyReady)

			if !opts.EngineMainThread {
				serve()
				return
			}
			go serve()
			if mainErr := session.RunMain(runCtx); mainErr != nil && !errors.Is(mainErr, context.Canceled) {
				logger.Error("Main thread stopped", "error", mainErr)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifySystemd(logger, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if graphWatcher != nil {
				_ = graphWatcher.Stop()
			}
			_ = logWatcher.Stop()

			if stopErr := server.Stop(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			sseExporter.Stop()

			cancelRun()
			if closeErr := session.Close(ctx); closeErr != nil {
				logger.Error("Error closing session", "error", closeErr)
			}
			logging.SetLogCallback(nil)
		})
	})

	cli.Root().Use = "mediagraph"
	cli.Root().Version = version.Get().String()
	cli.Root().AddCommand(cmd.CreateFiltersCmd(), cmd.CreateRunCmd(), cmd.CreateProbeCmd())

	// Run the CLI
	cli.Run()
}

func applyLogLevels(cfg logging.Config, logger *slog.Logger) {
	if err := logging.SetLevel("", cfg.Level); err != nil {
		logger.Warn("Invalid global log level", "level", cfg.Level, "error", err)
	}
	for module, level := range cfg.Modules {
		if err := logging.SetLevel(module, level); err != nil {
			logger.Warn("Invalid module log level", "module", module, "level", level, "error", err)
		}
	}
	logger.Info("Log levels reloaded", "levels", logging.Levels())
}

func notifySystemd(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("Notified systemd", "state", state)
	}
}
