package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-agents/pkg/domain"
)

// RunParallel sends the same action and input to every provider concurrently.
// Each call gets its own context clone and is governed by strategy as a single
// step. Outcomes are returned in the order of providerIDs. Successful answers
// are appended to pctx in that order once every call resolved.
//
// The run is Aborted only when ctx ends before all calls resolved; a FailFast
// failure of one provider does not cancel the others.
func (e *Executor) RunParallel(ctx context.Context, strategy domain.ErrorStrategy, providerIDs []string, action, input string, pctx *domain.Context) (*domain.PipelineResult, error) {
	p := &domain.Pipeline{Name: "parallel", Strategy: strategy}
	for _, id := range providerIDs {
		p.Steps = append(p.Steps, domain.PipelineStep{ProviderID: id, Action: action})
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if pctx == nil {
		return nil, domain.ErrNilContext
	}

	start := time.Now()
	// All branches share one auth cache; each works on a private context.
	shared := e.newRun(p, strategy, pctx)
	outcomes := make([]domain.StepOutcome, len(p.Steps))
	branches := make([]*domain.Context, len(p.Steps))

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.parallel", trace.WithAttributes(
		attribute.Int("parallel.providers", len(p.Steps)),
		attribute.String("run.id", shared.id),
	))
	defer span.End()

	shared.logger.Info("executing parallel run", "providers", providerIDs, "action", action)

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, step := range p.Steps {
		branch := *shared
		branch.pctx = pctx.Clone()
		branches[i] = branch.pctx
		g.Go(func() error {
			outcome := branch.executeStep(ctx, tracer, i, step, input)
			if outcome.Status == domain.StepFailed && ctx.Err() == nil {
				// A failed branch stops nothing but itself.
				outcome.Status = domain.StepDegraded
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	result := &domain.PipelineResult{
		RunID:     shared.id,
		State:     domain.RunCompleted,
		Outcomes:  outcomes,
		AbortedAt: -1,
		Context:   pctx,
		Output:    input,
	}
	for i, outcome := range outcomes {
		switch outcome.Status {
		case domain.StepSucceeded:
			pctx.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: outcome.Output, ProviderID: outcome.ProviderID})
		case domain.StepFailed:
			if result.State != domain.RunAborted {
				result.State = domain.RunAborted
				result.AbortedAt = i
				result.Err = outcome.Err
			}
		}
		for k, v := range branches[i].Metadata {
			if strings.HasPrefix(k, "step.") {
				pctx.SetMetadata(k, v)
			}
		}
	}
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("run.state", string(result.State)))
	if e.metrics != nil {
		e.metrics.ObserveRun(string(shared.strategy.Kind), string(result.State), result.Duration)
	}
	return result, nil
}
