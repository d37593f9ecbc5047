package domain

import (
	"fmt"
	"strings"
	"time"
)

// StrategyKind names one of the pipeline error handling strategies.
type StrategyKind string

const (
	// StrategyFailFast aborts the run on the first failed step.
	StrategyFailFast StrategyKind = "fail_fast"
	// StrategyContinueOnError degrades the failed step and keeps going.
	StrategyContinueOnError StrategyKind = "continue_on_error"
	// StrategyRetryThenFallback retries the failed step with exponential backoff
	// before degrading it.
	StrategyRetryThenFallback StrategyKind = "retry_then_fallback"
	// StrategyCircuitBreak counts consecutive failures per provider and
	// short-circuits calls to a provider whose circuit is open.
	StrategyCircuitBreak StrategyKind = "circuit_break"
)

// ErrorStrategy governs how the executor reacts to a failed step. It applies
// uniformly to every step of a pipeline. Only the fields relevant to Kind are
// read; the zero value behaves as FailFast.
type ErrorStrategy struct {
	Kind StrategyKind

	// RetryThenFallback
	MaxRetries  int
	BackoffBase time.Duration
	// MaxBackoff caps a single backoff delay. Zero means uncapped.
	MaxBackoff time.Duration
	// Jitter adds up to a quarter of each delay at random.
	Jitter bool

	// CircuitBreak
	FailureThreshold int
	Cooldown         time.Duration
}

// FailFast returns the FailFast strategy.
func FailFast() ErrorStrategy {
	return ErrorStrategy{Kind: StrategyFailFast}
}

// ContinueOnError returns the ContinueOnError strategy.
func ContinueOnError() ErrorStrategy {
	return ErrorStrategy{Kind: StrategyContinueOnError}
}

// RetryThenFallback returns a retrying strategy that waits backoffBase·2^attempt
// between attempts.
func RetryThenFallback(maxRetries int, backoffBase time.Duration) ErrorStrategy {
	return ErrorStrategy{Kind: StrategyRetryThenFallback, MaxRetries: maxRetries, BackoffBase: backoffBase}
}

// CircuitBreak returns a circuit breaking strategy.
func CircuitBreak(failureThreshold int, cooldown time.Duration) ErrorStrategy {
	return ErrorStrategy{Kind: StrategyCircuitBreak, FailureThreshold: failureThreshold, Cooldown: cooldown}
}

// Normalized resolves the zero Kind to FailFast.
func (s ErrorStrategy) Normalized() ErrorStrategy {
	if s.Kind == "" {
		s.Kind = StrategyFailFast
	}
	return s
}

// Validate checks that the parameters required by Kind are usable.
func (s ErrorStrategy) Validate() error {
	switch s.Normalized().Kind {
	case StrategyFailFast, StrategyContinueOnError:
		return nil
	case StrategyRetryThenFallback:
		if s.MaxRetries < 0 {
			return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidStrategy)
		}
		if s.BackoffBase < 0 || s.MaxBackoff < 0 {
			return fmt.Errorf("%w: backoff must not be negative", ErrInvalidStrategy)
		}
		return nil
	case StrategyCircuitBreak:
		if s.FailureThreshold <= 0 {
			return fmt.Errorf("%w: failure_threshold must be > 0", ErrInvalidStrategy)
		}
		if s.Cooldown <= 0 {
			return fmt.Errorf("%w: cooldown must be > 0", ErrInvalidStrategy)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStrategy, s.Kind)
	}
}

func (s ErrorStrategy) String() string {
	s = s.Normalized()
	switch s.Kind {
	case StrategyRetryThenFallback:
		return fmt.Sprintf("%s(max_retries=%d, backoff_base=%s)", s.Kind, s.MaxRetries, s.BackoffBase)
	case StrategyCircuitBreak:
		return fmt.Sprintf("%s(failure_threshold=%d, cooldown=%s)", s.Kind, s.FailureThreshold, s.Cooldown)
	default:
		return string(s.Kind)
	}
}

// ParseStrategyKind accepts the canonical kind names plus the short CLI aliases.
func ParseStrategyKind(raw string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fail_fast", "fail-fast", "failfast":
		return StrategyFailFast, nil
	case "continue_on_error", "continue-on-error", "continue":
		return StrategyContinueOnError, nil
	case "retry_then_fallback", "retry-then-fallback", "retry":
		return StrategyRetryThenFallback, nil
	case "circuit_break", "circuit-break", "circuit":
		return StrategyCircuitBreak, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidStrategy, raw)
	}
}

// TransformRef names a registered transform. The zero value means no transform:
// the raw response content is handed to the next step verbatim.
type TransformRef struct {
	Name string `json:"name,omitempty" yaml:"name"`
	Arg  string `json:"arg,omitempty" yaml:"arg"`
}

// IsZero reports whether no transform is set.
func (t TransformRef) IsZero() bool {
	return t.Name == ""
}

func (t TransformRef) String() string {
	if t.Arg == "" {
		return t.Name
	}
	return t.Name + "(" + t.Arg + ")"
}

// PipelineStep is a single provider+action invocation.
type PipelineStep struct {
	ProviderID string       `json:"provider"`
	Action     string       `json:"action"`
	Transform  TransformRef `json:"transform,omitempty"`
	// Fallback names a provider tried once after retries are exhausted under
	// RetryThenFallback. Empty means no substitution.
	Fallback string `json:"fallback,omitempty"`
}

// Pipeline is an ordered, non-empty sequence of steps sharing one error strategy.
type Pipeline struct {
	Name     string         `json:"name,omitempty"`
	Steps    []PipelineStep `json:"steps"`
	Strategy ErrorStrategy  `json:"strategy"`
}

// Validate checks the structural invariants of the pipeline.
func (p *Pipeline) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return ErrEmptyPipeline
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step.ProviderID) == "" {
			return fmt.Errorf("step %d: %w", i, ErrEmptyProvider)
		}
		if strings.TrimSpace(step.Action) == "" {
			return fmt.Errorf("step %d: %w", i, ErrEmptyAction)
		}
	}
	return p.Strategy.Validate()
}

// ProviderIDs returns the distinct provider ids referenced by the pipeline,
// fallbacks included, in order of first appearance.
func (p *Pipeline) ProviderIDs() []string {
	seen := make(map[string]struct{}, len(p.Steps))
	ids := make([]string, 0, len(p.Steps))
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, step := range p.Steps {
		add(step.ProviderID)
		add(step.Fallback)
	}
	return ids
}
