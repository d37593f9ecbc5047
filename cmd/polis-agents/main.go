// Package main is the entry point for the polis-agents binary, a command line
// aggregator that chains Claude, Gemini and Codex agents into pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-agents/internal/governance"
	"github.com/polisai/polis-agents/pkg/auth"
	"github.com/polisai/polis-agents/pkg/config"
	"github.com/polisai/polis-agents/pkg/engine"
	"github.com/polisai/polis-agents/pkg/logging"
	"github.com/polisai/polis-agents/pkg/provider"
	"github.com/polisai/polis-agents/pkg/telemetry"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// errAborted reports an aborted run; the details were already printed.
var errAborted = errors.New("pipeline aborted")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errAborted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	ConfigPath string
	LogLevel   string
	Verbose    bool
	Quiet      bool
}

// app is the state assembled once per invocation.
type app struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer

	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.PromMetrics
	breakers *governance.CircuitBreakerManager
	limiter  *governance.RateLimiter

	shutdownTelemetry func(context.Context) error
}

// newRootCmd creates the root command for polis-agents.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "polis-agents",
		Short: "Chain AI coding agents into pipelines",
		Long: `polis-agents drives the Claude, Gemini and Codex agents through one interface.

Steps are written as provider:action pairs joined by arrows; each step's output
becomes the next step's input.

Example:
  polis-agents run --chain "claude:design -> codex:implement -> gemini:review" --input "todo app"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.opts.ConfigPath, "config", "c", os.Getenv("POLIS_AGENTS_CONFIG"), "Path to configuration file (YAML)")
	flags.StringVarP(&a.opts.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVarP(&a.opts.Verbose, "verbose", "v", false, "Shorthand for --log-level debug")
	flags.BoolVarP(&a.opts.Quiet, "quiet", "q", false, "Only log errors")

	rootCmd.AddCommand(
		newRunCmd(a),
		newExecCmd(a),
		newParallelCmd(a),
		newProvidersCmd(a),
		newCheckAuthCmd(a),
		newVersionCmd(a),
	)
	return rootCmd
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.opts.ConfigPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Logging.Level
	switch {
	case a.opts.Verbose:
		level = "debug"
	case a.opts.Quiet:
		level = "error"
	case a.opts.LogLevel != "":
		level = a.opts.LogLevel
	}
	a.logger = logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: cfg.Logging.Pretty,
		Output: a.stderr,
	})

	shutdown, err := telemetry.SetupProvider(ctx, cfg.Telemetry.Tracing(version))
	if err != nil {
		// Tracing is optional; runs proceed without an exporter.
		a.logger.Warn("telemetry disabled", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	a.shutdownTelemetry = shutdown

	a.metrics = telemetry.NewPromMetrics()
	a.breakers = governance.NewCircuitBreakerManager()
	a.limiter = governance.NewRateLimiter(cfg.RateLimits(), nil)
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if a.shutdownTelemetry == nil {
		return nil
	}
	if err := a.shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
	return nil
}

// registry builds the provider registry for cfg.
func (a *app) registry(cfg *config.Config) (*provider.Registry, error) {
	settings, err := cfg.ProviderSettings(a.logger)
	if err != nil {
		return nil, err
	}
	reg := provider.NewRegistry()
	if err := provider.RegisterSettings(reg, settings); err != nil {
		return nil, err
	}
	return reg, nil
}

// sources discovers the credentials available to cfg's providers.
func (a *app) sources(cfg *config.Config) (auth.Sources, error) {
	return auth.Discover(cfg.DiscoverOptions())
}

// executor wires an executor for cfg. Every executor of one invocation shares
// the same breaker table and rate limiter.
func (a *app) executor(cfg *config.Config, onChunk func(int, string)) (*engine.Executor, error) {
	reg, err := a.registry(cfg)
	if err != nil {
		return nil, err
	}
	src, err := a.sources(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter.Configure(cfg.RateLimits())
	return engine.NewExecutor(engine.ExecutorConfig{
		Providers:      reg,
		Auth:           src,
		Breakers:       a.breakers,
		Limiter:        a.limiter,
		Logger:         a.logger,
		Metrics:        a.metrics,
		DefaultTimeout: cfg.Defaults.Timeout,
		Timeouts:       cfg.Timeouts(),
		MaxParallel:    cfg.Defaults.MaxParallel,
		OnChunk:        onChunk,
	}), nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(a.stdout, "polis-agents %s (commit %s)\n", version, commit)
			return err
		},
	}
}
