package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-agents/internal/governance"
	"github.com/polisai/polis-agents/pkg/domain"
	"github.com/polisai/polis-agents/pkg/provider"
)

// invocation is the raw result of running one step against its provider and,
// when configured, its fallback.
type invocation struct {
	resp       *domain.Response
	providerID string
	attempts   int
	err        error
}

func (r *run) breakerConfig() governance.CircuitBreakerConfig {
	return governance.CircuitBreakerConfig{
		FailureThreshold: r.strategy.FailureThreshold,
		Cooldown:         r.strategy.Cooldown,
	}
}

func (r *run) invokeStep(ctx context.Context, i int, step domain.PipelineStep, input string) invocation {
	prompt := domain.Prompt{Action: step.Action, Input: input}
	policy := governance.NewRetryPolicy(governance.RetryConfigFromStrategy(r.strategy))

	inv := r.invokeProvider(ctx, i, step.ProviderID, prompt, policy)
	if inv.err == nil || step.Fallback == "" || r.strategy.Kind != domain.StrategyRetryThenFallback || ctx.Err() != nil {
		return inv
	}

	r.logger.Warn("retries exhausted, trying fallback provider",
		"step", i,
		"provider_id", step.ProviderID,
		"fallback", step.Fallback,
		"attempts", inv.attempts,
		"error", inv.err,
	)
	fb := r.invokeProvider(ctx, i, step.Fallback, prompt, governance.NewRetryPolicy(governance.RetryConfig{}))
	fb.attempts += inv.attempts
	if fb.err != nil && ctx.Err() == nil {
		fb.err = fmt.Errorf("%w; fallback %s: %w", inv.err, step.Fallback, fb.err)
	}
	return fb
}

// invokeProvider resolves auth, binds the provider and calls it under the
// retry policy, per-call timeout and circuit breaker of the run's strategy.
func (r *run) invokeProvider(ctx context.Context, i int, providerID string, prompt domain.Prompt, policy *governance.RetryPolicy) invocation {
	providerID = strings.ToLower(providerID)
	inv := invocation{providerID: providerID}

	var breaker *governance.CircuitBreaker
	if r.strategy.Kind == domain.StrategyCircuitBreak {
		breaker = r.e.breakers.Get(providerID, r.breakerConfig())
		if err := breaker.Allow(); err != nil {
			r.logger.Warn("provider circuit open, skipping call", "step", i, "provider_id", providerID)
			inv.err = fmt.Errorf("provider %s: %w", providerID, err)
			return inv
		}
	}

	method, err := r.auth.Resolve(providerID)
	if err != nil {
		inv.err = err
		return inv
	}
	p, err := r.e.providers.Bind(providerID, method)
	if err != nil {
		inv.err = err
		return inv
	}
	r.logger.Debug("provider bound", "step", i, "provider_id", providerID, "auth", method.String())

	view := r.pctx.FilterForProvider()
	if limit := p.Capabilities().MaxContextTokens; limit > 0 && view.EstimateTokens() > limit {
		r.logger.Debug("truncating context for provider", "provider_id", providerID, "max_context_tokens", limit)
		view = view.TruncateToTokens(limit)
	}
	timeout := r.e.timeoutFor(providerID)

	inv.attempts, inv.err = policy.ExecuteWithRetry(ctx, r.e.sleep, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			r.logger.Info("retrying step", "step", i, "provider_id", providerID, "attempt", attempt+1)
		}
		if r.e.limiter != nil && !r.e.limiter.Allow(providerID) {
			r.logger.Warn("provider call refused by rate limiter", "step", i, "provider_id", providerID)
			return domain.NewProviderError(providerID, domain.ProviderRateLimited, governance.ErrRateLimited)
		}
		attemptCall := func(ctx context.Context) error {
			callErr := governance.CallWithTimeout(ctx, timeout, func(callCtx context.Context) error {
				resp, err := r.call(callCtx, i, p, prompt, view)
				if err == nil {
					inv.resp = resp
				}
				return err
			})
			if errors.Is(callErr, governance.ErrRequestTimeout) {
				if kind, _ := domain.ProviderErrorKindOf(callErr); kind != domain.ProviderTimeout {
					callErr = domain.NewProviderError(providerID, domain.ProviderTimeout, callErr)
				}
			}
			return callErr
		}
		if breaker == nil {
			return attemptCall(ctx)
		}
		err := breaker.ExecuteContext(ctx, attemptCall)
		if errors.Is(err, governance.ErrCircuitOpen) {
			return fmt.Errorf("provider %s: %w", providerID, err)
		}
		return err
	})
	if inv.err != nil {
		inv.resp = nil
	}
	return inv
}

// call uses the streaming contract when the provider supports it.
func (r *run) call(ctx context.Context, i int, p provider.Provider, prompt domain.Prompt, view *domain.Context) (*domain.Response, error) {
	if !p.Capabilities().SupportsStreaming {
		return p.Execute(ctx, prompt, view)
	}

	stream, err := p.Stream(ctx, prompt, view)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Collect(stream, func(chunk string) {
		if r.e.onChunk != nil {
			r.e.onChunk(i, chunk)
		}
	})
	if err != nil {
		return nil, err
	}
	if r.e.metrics != nil {
		if n, ok := resp.Metadata["chunks"].(int); ok {
			r.e.metrics.AddStreamChunks(p.Name(), n)
		}
	}
	resp.Content = strings.TrimRight(resp.Content, "\n")
	resp.Metadata["provider"] = p.Name()
	resp.Metadata["mode"] = "stream"
	return resp, nil
}
