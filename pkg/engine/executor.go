package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-agents/internal/governance"
	"github.com/polisai/polis-agents/pkg/auth"
	"github.com/polisai/polis-agents/pkg/domain"
	"github.com/polisai/polis-agents/pkg/provider"
	"github.com/polisai/polis-agents/pkg/telemetry"
	"github.com/polisai/polis-agents/pkg/transform"
)

const tracerName = "polis-agents.pipeline"

// ProviderBinder turns a provider id and a resolved credential into a Provider.
// *provider.Registry implements it.
type ProviderBinder interface {
	Bind(id string, method domain.AuthMethod) (provider.Provider, error)
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Providers  ProviderBinder
	Transforms *transform.Registry
	// Auth is the credential material resolved per run, in priority order.
	Auth     auth.Sources
	Breakers *governance.CircuitBreakerManager
	// Limiter, when set, refuses calls beyond each provider's configured rate.
	Limiter *governance.RateLimiter
	Logger  *slog.Logger
	Metrics *telemetry.PromMetrics

	// DefaultTimeout bounds every provider call without its own entry in
	// Timeouts. Zero means no per-call deadline.
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration

	// OnStep is invoked after each executed step resolves. Parallel runs call
	// it from several goroutines.
	OnStep func(domain.StepOutcome)
	// OnChunk receives streamed content as it arrives.
	OnChunk func(step int, chunk string)

	// MaxParallel bounds concurrent calls in RunParallel. Zero means unbounded.
	MaxParallel int

	// Sleep waits between retries; tests substitute it.
	Sleep governance.Sleeper
}

// Executor runs pipelines step by step. One Executor owns the circuit breaker
// table shared by every run it executes, so a process should use one.
type Executor struct {
	providers  ProviderBinder
	transforms *transform.Registry
	auth       auth.Sources
	breakers   *governance.CircuitBreakerManager
	limiter    *governance.RateLimiter
	logger     *slog.Logger
	metrics    *telemetry.PromMetrics

	defaultTimeout time.Duration
	timeouts       map[string]time.Duration

	onStep      func(domain.StepOutcome)
	onChunk     func(step int, chunk string)
	maxParallel int
	sleep       governance.Sleeper
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transforms := cfg.Transforms
	if transforms == nil {
		transforms = transform.NewRegistry()
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = governance.NewCircuitBreakerManager()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = governance.Sleep
	}
	timeouts := make(map[string]time.Duration, len(cfg.Timeouts))
	for id, d := range cfg.Timeouts {
		timeouts[strings.ToLower(id)] = d
	}

	return &Executor{
		providers:      cfg.Providers,
		transforms:     transforms,
		auth:           cfg.Auth,
		breakers:       breakers,
		limiter:        cfg.Limiter,
		logger:         logger,
		metrics:        cfg.Metrics,
		defaultTimeout: cfg.DefaultTimeout,
		timeouts:       timeouts,
		onStep:         cfg.OnStep,
		onChunk:        cfg.OnChunk,
		maxParallel:    cfg.MaxParallel,
		sleep:          sleep,
	}
}

// Breakers exposes the executor's circuit breaker table.
func (e *Executor) Breakers() *governance.CircuitBreakerManager {
	return e.breakers
}

func (e *Executor) timeoutFor(providerID string) time.Duration {
	if d, ok := e.timeouts[providerID]; ok {
		return d
	}
	return e.defaultTimeout
}

// run is the state of one pipeline execution.
type run struct {
	e        *Executor
	id       string
	pipeline *domain.Pipeline
	strategy domain.ErrorStrategy
	pctx     *domain.Context
	auth     *auth.Cache
	logger   *slog.Logger
}

func (e *Executor) newRun(p *domain.Pipeline, strategy domain.ErrorStrategy, pctx *domain.Context) *run {
	id := uuid.NewString()
	name := ""
	if p != nil {
		name = p.Name
	}
	return &run{
		e:        e,
		id:       id,
		pipeline: p,
		strategy: strategy.Normalized(),
		pctx:     pctx,
		auth:     auth.NewCache(e.auth),
		logger:   e.logger.With("run_id", id, "pipeline", name),
	}
}

// Run executes p sequentially starting from input. The returned error reports
// precondition violations only; every failure after execution begins is
// described by the result. pctx is updated in place and returned in the result.
func (e *Executor) Run(ctx context.Context, p *domain.Pipeline, input string, pctx *domain.Context) (*domain.PipelineResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if pctx == nil {
		return nil, domain.ErrNilContext
	}
	if e.providers == nil {
		return nil, errors.New("executor has no provider binder")
	}
	for i, step := range p.Steps {
		if err := e.transforms.Validate(step.Transform); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	r := e.newRun(p, p.Strategy, pctx)
	return r.execute(ctx, input), nil
}

func (r *run) execute(ctx context.Context, input string) *domain.PipelineResult {
	start := time.Now()
	steps := r.pipeline.Steps
	result := &domain.PipelineResult{
		RunID:     r.id,
		State:     domain.RunCompleted,
		Outcomes:  make([]domain.StepOutcome, len(steps)),
		AbortedAt: -1,
		Context:   r.pctx,
	}

	r.logger.Info("executing pipeline", "steps", len(steps), "strategy", r.strategy.String())

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", r.pipeline.Name),
		attribute.String("pipeline.strategy", string(r.strategy.Kind)),
		attribute.Int("pipeline.steps", len(steps)),
		attribute.String("run.id", r.id),
	))
	defer span.End()

	current := input
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			r.abort(result, i, domain.StepOutcome{
				Index:      i,
				ProviderID: step.ProviderID,
				Action:     step.Action,
				Status:     domain.StepFailed,
				Input:      current,
				Err:        err,
			})
			break
		}

		outcome := r.executeStep(ctx, tracer, i, step, current)
		if outcome.Status == domain.StepSucceeded {
			current = outcome.NextInput
		}
		if outcome.Status == domain.StepFailed {
			r.abort(result, i, outcome)
			break
		}
		result.Outcomes[i] = outcome
	}

	result.Output = current
	result.Duration = time.Since(start)

	attrs := []attribute.KeyValue{
		attribute.String("run.state", string(result.State)),
		attribute.Int("run.degraded_steps", result.Count(domain.StepDegraded)),
	}
	span.SetAttributes(attrs...)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}

	telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{
		Pipeline: r.pipeline.Name,
		Strategy: string(r.strategy.Kind),
		State:    string(result.State),
		Steps:    len(steps),
		Duration: result.Duration,
	})
	if r.e.metrics != nil {
		r.e.metrics.ObserveRun(string(r.strategy.Kind), string(result.State), result.Duration)
	}

	if result.State == domain.RunAborted {
		r.logger.Error("pipeline aborted", "step", result.AbortedAt, "error", result.Err)
	} else {
		r.logger.Info("pipeline execution complete",
			"duration", result.Duration,
			"degraded", result.Count(domain.StepDegraded),
		)
	}
	return result
}

// abort records the aborting outcome at i and marks the remaining steps skipped.
func (r *run) abort(result *domain.PipelineResult, i int, outcome domain.StepOutcome) {
	result.Outcomes[i] = outcome
	result.State = domain.RunAborted
	result.AbortedAt = i
	result.Err = outcome.Err
	for j := i + 1; j < len(r.pipeline.Steps); j++ {
		step := r.pipeline.Steps[j]
		result.Outcomes[j] = domain.StepOutcome{
			Index:      j,
			ProviderID: step.ProviderID,
			Action:     step.Action,
			Status:     domain.StepSkipped,
		}
	}
}

// executeStep resolves step i to a terminal outcome and commits its effect on
// the run context.
func (r *run) executeStep(ctx context.Context, tracer trace.Tracer, i int, step domain.PipelineStep, input string) domain.StepOutcome {
	stepCtx, span := tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.Int("step.index", i),
		attribute.String("provider.id", step.ProviderID),
		attribute.String("step.action", step.Action),
	))
	defer span.End()

	start := time.Now()
	inv := r.invokeStep(stepCtx, i, step, input)
	outcome := domain.StepOutcome{
		Index:      i,
		ProviderID: inv.providerID,
		Action:     step.Action,
		Input:      input,
		Attempts:   inv.attempts,
	}

	switch {
	case inv.err == nil:
		outcome.Output = inv.resp.Content
		outcome.Metadata = inv.resp.Metadata
		msg := domain.Message{Role: domain.RoleAssistant, Content: inv.resp.Content, ProviderID: inv.providerID}

		// The transform sees the context as it will be once the step commits.
		staged := r.pctx.Clone()
		staged.AddMessage(msg)
		next, err := r.e.transforms.Apply(step.Transform, *inv.resp, staged)
		if err != nil {
			var terr *domain.TransformError
			if errors.As(err, &terr) {
				terr.StepIndex = i
			}
			outcome.Status = domain.StepFailed
			outcome.Err = err
			r.recordFailure(i, outcome.ProviderID, err)
			break
		}
		r.pctx.AddMessage(msg)
		outcome.Status = domain.StepSucceeded
		outcome.NextInput = next

	case ctx.Err() != nil:
		// Cancelled runs leave the context untouched.
		outcome.Status = domain.StepFailed
		outcome.Err = ctx.Err()

	case r.strategy.Kind == domain.StrategyFailFast:
		outcome.Status = domain.StepFailed
		outcome.Err = inv.err
		r.recordFailure(i, outcome.ProviderID, inv.err)

	default:
		outcome.Status = domain.StepDegraded
		outcome.Err = inv.err
		r.recordFailure(i, outcome.ProviderID, inv.err)
	}
	outcome.Duration = time.Since(start)

	errKind := errorKind(outcome.Err)
	span.SetAttributes(
		attribute.String("step.status", string(outcome.Status)),
		attribute.Int("step.attempts", outcome.Attempts),
		attribute.Int64("step.duration_ms", outcome.Duration.Milliseconds()),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		telemetry.RecordStepFailure(span, outcome.ProviderID, errKind, outcome.Attempts, outcome.Status == domain.StepFailed)
	}

	r.observe(ctx, outcome, errKind)
	return outcome
}

// recordFailure writes the failure of step i into the run context metadata.
func (r *run) recordFailure(i int, providerID string, err error) {
	r.pctx.SetMetadata(fmt.Sprintf("step.%d.error", i), err.Error())
	r.pctx.SetMetadata(fmt.Sprintf("step.%d.provider", i), providerID)
}

func (r *run) observe(ctx context.Context, outcome domain.StepOutcome, errKind string) {
	switch outcome.Status {
	case domain.StepSucceeded:
		r.logger.Info("step succeeded",
			"step", outcome.Index,
			"provider_id", outcome.ProviderID,
			"action", outcome.Action,
			"attempts", outcome.Attempts,
			"duration", outcome.Duration,
		)
	case domain.StepDegraded:
		r.logger.Warn("step degraded",
			"step", outcome.Index,
			"provider_id", outcome.ProviderID,
			"attempts", outcome.Attempts,
			"error", outcome.Err,
		)
	default:
		r.logger.Error("step failed",
			"step", outcome.Index,
			"provider_id", outcome.ProviderID,
			"attempts", outcome.Attempts,
			"error", outcome.Err,
		)
	}

	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		Pipeline:   r.pipeline.Name,
		StepIndex:  outcome.Index,
		ProviderID: outcome.ProviderID,
		Action:     outcome.Action,
		Status:     string(outcome.Status),
		ErrorKind:  errKind,
		Duration:   outcome.Duration,
		Attempts:   outcome.Attempts,
	})
	if m := r.e.metrics; m != nil {
		m.ObserveStep(outcome.ProviderID, outcome.Action, string(outcome.Status), outcome.Attempts, outcome.Duration)
		if r.strategy.Kind == domain.StrategyCircuitBreak {
			m.SetBreakerState(outcome.ProviderID, r.e.breakers.Get(outcome.ProviderID, r.breakerConfig()).State() == governance.StateOpen)
		}
	}
	if r.e.onStep != nil {
		r.e.onStep(outcome)
	}
}

// errorKind is the metric label for err.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, governance.ErrCircuitOpen) {
		return telemetry.ErrorKindCircuitOpen
	}
	if kind, ok := domain.ProviderErrorKindOf(err); ok {
		switch kind {
		case domain.ProviderRateLimited:
			return telemetry.ErrorKindRateLimited
		case domain.ProviderTimeout:
			return telemetry.ErrorKindTimeout
		}
		return string(kind)
	}
	var aerr *domain.AuthError
	if errors.As(err, &aerr) {
		return "auth"
	}
	var terr *domain.TransformError
	if errors.As(err, &terr) {
		return "transform"
	}
	return "error"
}
