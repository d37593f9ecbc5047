package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-agents/pkg/chain"
	"github.com/polisai/polis-agents/pkg/config"
	"github.com/polisai/polis-agents/pkg/domain"
)

// inputOptions select the initial input and context of a run.
type inputOptions struct {
	Input       string
	InputFile   string
	ContextFile string
	SaveContext string
	Files       []string
}

func addInputFlags(cmd *cobra.Command, o *inputOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.Input, "input", "i", "", "Initial input text")
	f.StringVar(&o.InputFile, "input-file", "", "Read the initial input from a file (- for stdin)")
	f.StringVar(&o.ContextFile, "context-file", "", "Resume from a JSON context saved with --save-context")
	f.StringVar(&o.SaveContext, "save-context", "", "Write the resulting context as JSON to this file")
	f.StringSliceVar(&o.Files, "file", nil, "File to put in the agents' scope (repeatable)")
}

// resolve returns the input text and the context to run with. Positional args
// are the input when no flag provides one.
func (o inputOptions) resolve(stdin io.Reader, args []string) (string, *domain.Context, error) {
	input := o.Input
	switch {
	case input != "":
	case o.InputFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", nil, fmt.Errorf("read stdin: %w", err)
		}
		input = string(data)
	case o.InputFile != "":
		data, err := os.ReadFile(o.InputFile)
		if err != nil {
			return "", nil, fmt.Errorf("read input file: %w", err)
		}
		input = string(data)
	default:
		input = strings.Join(args, " ")
	}

	pctx := domain.NewContext()
	if o.ContextFile != "" {
		data, err := os.ReadFile(o.ContextFile)
		if err != nil {
			return "", nil, fmt.Errorf("read context file: %w", err)
		}
		if err := json.Unmarshal(data, pctx); err != nil {
			return "", nil, fmt.Errorf("parse context file %s: %w", o.ContextFile, err)
		}
	}
	for _, f := range o.Files {
		pctx.AddFile(f)
	}
	return strings.TrimSpace(input), pctx, nil
}

func (o inputOptions) save(pctx *domain.Context) error {
	if o.SaveContext == "" {
		return nil
	}
	data, err := json.MarshalIndent(pctx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(o.SaveContext, append(data, '\n'), 0o600)
}

// strategyOptions override the configured error strategy.
type strategyOptions struct {
	Kind             string
	MaxRetries       int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	Jitter           bool
	FailureThreshold int
	Cooldown         time.Duration
}

var strategyFlags = []string{"strategy", "max-retries", "backoff", "max-backoff", "jitter", "failure-threshold", "cooldown"}

func addStrategyFlags(cmd *cobra.Command, o *strategyOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.Kind, "strategy", "s", "", "Error strategy: fail-fast, continue, retry, circuit")
	f.IntVar(&o.MaxRetries, "max-retries", 0, "Retries per step (retry strategy)")
	f.DurationVar(&o.Backoff, "backoff", 0, "Delay before the first retry, doubled per retry")
	f.DurationVar(&o.MaxBackoff, "max-backoff", 0, "Cap on a single retry delay")
	f.BoolVar(&o.Jitter, "jitter", false, "Add up to 25% random delay to each retry")
	f.IntVar(&o.FailureThreshold, "failure-threshold", 0, "Consecutive failures that open a provider's circuit")
	f.DurationVar(&o.Cooldown, "cooldown", 0, "How long an open circuit stays open")
}

// apply returns base with the flags that were set applied on top.
func (o strategyOptions) apply(cmd *cobra.Command, base domain.ErrorStrategy) (domain.ErrorStrategy, error) {
	changed := false
	for _, name := range strategyFlags {
		if cmd.Flags().Changed(name) {
			changed = true
		}
	}
	if !changed {
		return base, nil
	}

	sc := config.StrategyConfig{
		Kind:             string(base.Normalized().Kind),
		MaxRetries:       base.MaxRetries,
		BackoffBase:      base.BackoffBase,
		MaxBackoff:       base.MaxBackoff,
		Jitter:           base.Jitter,
		FailureThreshold: base.FailureThreshold,
		Cooldown:         base.Cooldown,
	}
	if cmd.Flags().Changed("strategy") {
		sc = config.StrategyConfig{Kind: o.Kind}
	}
	if cmd.Flags().Changed("max-retries") {
		sc.MaxRetries = o.MaxRetries
	}
	if cmd.Flags().Changed("backoff") {
		sc.BackoffBase = o.Backoff
	}
	if cmd.Flags().Changed("max-backoff") {
		sc.MaxBackoff = o.MaxBackoff
	}
	if cmd.Flags().Changed("jitter") {
		sc.Jitter = o.Jitter
	}
	if cmd.Flags().Changed("failure-threshold") {
		sc.FailureThreshold = o.FailureThreshold
	}
	if cmd.Flags().Changed("cooldown") {
		sc.Cooldown = o.Cooldown
	}
	return sc.ToDomain()
}

type runOptions struct {
	inputOptions
	strategyOptions

	Chain       string
	Pipeline    string
	Stream      bool
	JSON        bool
	Watch       bool
	MetricsFile string
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run [input...]",
		Short: "Run a pipeline",
		Long: `Run a pipeline given inline with --chain or by name with --pipeline.

Example:
  polis-agents run --chain "claude:design -> codex:implement" --input "todo app"
  polis-agents run --pipeline review --strategy retry --max-retries 2 --input-file spec.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCommand(cmd, o, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.Chain, "chain", "", `Pipeline text, e.g. "claude:design -> codex:implement"`)
	f.StringVarP(&o.Pipeline, "pipeline", "p", "", "Name of a pipeline from the configuration file")
	f.BoolVar(&o.Stream, "stream", false, "Print provider output as it arrives")
	f.BoolVar(&o.JSON, "json", false, "Print the result as JSON")
	f.BoolVarP(&o.Watch, "watch", "w", false, "Re-run the pipeline whenever the configuration file changes")
	f.StringVar(&o.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after each run")
	addInputFlags(cmd, &o.inputOptions)
	addStrategyFlags(cmd, &o.strategyOptions)
	cmd.MarkFlagsMutuallyExclusive("chain", "pipeline")
	cmd.MarkFlagsOneRequired("chain", "pipeline")
	return cmd
}

// pipeline builds the pipeline selected by o from cfg.
func (o runOptions) pipeline(cmd *cobra.Command, cfg *config.Config) (*domain.Pipeline, error) {
	var p *domain.Pipeline
	if o.Pipeline != "" {
		named, err := cfg.Pipeline(o.Pipeline)
		if err != nil {
			return nil, err
		}
		p = named
	} else {
		parsed, err := chain.Parse(o.Chain)
		if err != nil {
			return nil, err
		}
		if err := chain.ValidateProviders(parsed, cfg.ProviderIDs()); err != nil {
			return nil, err
		}
		parsed.Name = "inline"
		parsed.Strategy = cfg.DefaultStrategy()
		p = parsed
	}

	strategy, err := o.strategyOptions.apply(cmd, p.Strategy)
	if err != nil {
		return nil, err
	}
	p.Strategy = strategy
	return p, nil
}

func (a *app) runCommand(cmd *cobra.Command, o runOptions, args []string) error {
	if o.Watch && (o.Pipeline == "" || a.opts.ConfigPath == "") {
		return errors.New("--watch needs --pipeline and --config")
	}
	if o.MetricsFile == "" {
		o.MetricsFile = a.cfg.Telemetry.MetricsFile
	}

	input, pctx, err := o.resolve(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	if !o.Watch {
		return a.runOnce(cmd, o, a.cfg, input, pctx)
	}
	return a.watch(cmd, o, input, pctx)
}

func (a *app) runOnce(cmd *cobra.Command, o runOptions, cfg *config.Config, input string, pctx *domain.Context) error {
	p, err := o.pipeline(cmd, cfg)
	if err != nil {
		return err
	}

	var onChunk func(int, string)
	if o.Stream && !o.JSON {
		onChunk = newChunkPrinter(a.stdout, p)
	}
	exec, err := a.executor(cfg, onChunk)
	if err != nil {
		return err
	}

	a.logger.Debug("running pipeline", "pipeline", chain.Format(p), "strategy", p.Strategy.String())
	result, err := exec.Run(cmd.Context(), p, input, pctx)
	if err != nil {
		return err
	}
	return a.finish(o, p, result, pctx)
}

// finish renders the result and writes the side outputs of a run.
func (a *app) finish(o runOptions, p *domain.Pipeline, result *domain.PipelineResult, pctx *domain.Context) error {
	if o.JSON {
		if err := writeJSON(a.stdout, newResultView(p.Name, p.Steps, result)); err != nil {
			return err
		}
	} else {
		writeSummary(a.stderr, p.Steps, result)
		if !o.Stream {
			fmt.Fprintln(a.stdout, result.Output)
		}
	}

	if err := o.save(pctx); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	if o.MetricsFile != "" {
		if err := a.metrics.WriteTextfile(o.MetricsFile); err != nil {
			a.logger.Warn("failed to write metrics file", "path", o.MetricsFile, "error", err)
		}
	}
	if result.State == domain.RunAborted {
		return errAborted
	}
	return nil
}

// watch runs the pipeline, then again after every valid configuration change,
// until the command's context ends.
func (a *app) watch(cmd *cobra.Command, o runOptions, input string, pctx *domain.Context) error {
	loader, err := config.NewLoader(config.LoaderConfig{
		Path:     a.opts.ConfigPath,
		Logger:   a.logger,
		OnReload: a.metrics.RecordConfigReload,
	})
	if err != nil {
		return err
	}
	defer loader.Close()

	// Reloads only signal; the loop reads the loader's current config so a
	// burst of changes runs once against the newest file.
	changes := make(chan struct{}, 1)
	if err := loader.Watch(func(*config.Config) {
		select {
		case changes <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}

	ctx := cmd.Context()
	for {
		if err := a.runOnce(cmd, o, loader.Current(), input, pctx.Clone()); err != nil && !errors.Is(err, errAborted) {
			a.logger.Error("run failed", "error", err)
		}
		a.logger.Info("waiting for configuration changes", "path", a.opts.ConfigPath)
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			// A new configuration starts with every circuit closed.
			a.breakers.ResetAll()
		}
	}
}

// newChunkPrinter prints streamed chunks with a header whenever the step changes.
func newChunkPrinter(w io.Writer, p *domain.Pipeline) func(int, string) {
	var mu sync.Mutex
	last := -1
	return func(step int, chunk string) {
		mu.Lock()
		defer mu.Unlock()
		if step != last {
			if last >= 0 {
				fmt.Fprintln(w)
			}
			s := p.Steps[step]
			fmt.Fprintf(w, "== %s:%s ==\n", s.ProviderID, s.Action)
			last = step
		}
		fmt.Fprint(w, chunk)
	}
}

type execOptions struct {
	inputOptions
	strategyOptions
	Stream bool
	JSON   bool
}

func newExecCmd(a *app) *cobra.Command {
	var o execOptions
	cmd := &cobra.Command{
		Use:   "exec <provider> <prompt...>",
		Short: "Send one prompt to one provider",
		Example: `  polis-agents exec claude "explain this stack trace" --input-file trace.txt
  polis-agents exec gemini summarize --file README.md`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := chain.NewBuilder("exec").Step(strings.ToLower(args[0]), strings.Join(args[1:], " ")).Build()
			if err != nil {
				return err
			}
			if err := chain.ValidateProviders(p, a.cfg.ProviderIDs()); err != nil {
				return err
			}
			if p.Strategy, err = o.strategyOptions.apply(cmd, a.cfg.DefaultStrategy()); err != nil {
				return err
			}

			input, pctx, err := o.resolve(cmd.InOrStdin(), nil)
			if err != nil {
				return err
			}
			var onChunk func(int, string)
			if o.Stream && !o.JSON {
				onChunk = func(_ int, chunk string) { fmt.Fprint(a.stdout, chunk) }
			}
			exec, err := a.executor(a.cfg, onChunk)
			if err != nil {
				return err
			}
			result, err := exec.Run(cmd.Context(), p, input, pctx)
			if err != nil {
				return err
			}
			return a.finish(runOptions{inputOptions: o.inputOptions, Stream: o.Stream, JSON: o.JSON}, p, result, pctx)
		},
	}
	cmd.Flags().BoolVar(&o.Stream, "stream", false, "Print provider output as it arrives")
	cmd.Flags().BoolVar(&o.JSON, "json", false, "Print the result as JSON")
	addInputFlags(cmd, &o.inputOptions)
	addStrategyFlags(cmd, &o.strategyOptions)
	return cmd
}

type parallelOptions struct {
	inputOptions
	strategyOptions
	Providers []string
	Action    string
	JSON      bool
}

func newParallelCmd(a *app) *cobra.Command {
	var o parallelOptions
	cmd := &cobra.Command{
		Use:     "parallel [input...]",
		Short:   "Send the same action to several providers at once",
		Example: `  polis-agents parallel --providers claude,gemini --action review --input-file diff.patch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.parallelCommand(cmd, o, args)
		},
	}
	cmd.Flags().StringSliceVar(&o.Providers, "providers", nil, "Comma separated provider ids")
	cmd.Flags().StringVarP(&o.Action, "action", "a", "", "Action sent to every provider")
	cmd.Flags().BoolVar(&o.JSON, "json", false, "Print the result as JSON")
	addInputFlags(cmd, &o.inputOptions)
	addStrategyFlags(cmd, &o.strategyOptions)
	_ = cmd.MarkFlagRequired("providers")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func (a *app) parallelCommand(cmd *cobra.Command, o parallelOptions, args []string) error {
	ids := make([]string, 0, len(o.Providers))
	for _, id := range o.Providers {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			ids = append(ids, id)
		}
	}
	targets := &domain.Pipeline{}
	for _, id := range ids {
		targets.Steps = append(targets.Steps, domain.PipelineStep{ProviderID: id, Action: o.Action})
	}
	if err := chain.ValidateProviders(targets, a.cfg.ProviderIDs()); err != nil {
		return err
	}

	strategy, err := o.strategyOptions.apply(cmd, a.cfg.DefaultStrategy())
	if err != nil {
		return err
	}
	input, pctx, err := o.resolve(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	exec, err := a.executor(a.cfg, nil)
	if err != nil {
		return err
	}

	result, err := exec.RunParallel(cmd.Context(), strategy, ids, o.Action, input, pctx)
	if err != nil {
		return err
	}
	return a.finishParallel(o, targets.Steps, result, pctx)
}

func (a *app) finishParallel(o parallelOptions, steps []domain.PipelineStep, result *domain.PipelineResult, pctx *domain.Context) error {
	if o.JSON {
		if err := writeJSON(a.stdout, newResultView("parallel", steps, result)); err != nil {
			return err
		}
	} else {
		writeSummary(a.stderr, steps, result)
		writeParallelOutputs(a.stdout, result)
	}
	if err := o.save(pctx); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	if result.State == domain.RunAborted {
		return errAborted
	}
	return nil
}
