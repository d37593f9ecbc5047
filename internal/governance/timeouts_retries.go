package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/polisai/polis-agents/pkg/domain"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrRequestTimeout is returned when a call exceeds its timeout.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RetryConfig defines retry behaviour for provider calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
}

// RetryConfigFromStrategy maps a RetryThenFallback strategy onto a RetryConfig.
// Other strategies never retry.
func RetryConfigFromStrategy(s domain.ErrorStrategy) RetryConfig {
	if s.Normalized().Kind != domain.StrategyRetryThenFallback {
		return RetryConfig{}
	}
	return RetryConfig{
		MaxRetries:        s.MaxRetries,
		BackoffBase:       s.BackoffBase,
		MaxBackoff:        s.MaxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            s.Jitter,
	}
}

// RetryPolicy is a bounded attempt state machine: attempt n (0-based) may be
// followed by another only while n < MaxRetries.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffBase < 0 {
		config.BackoffBase = 0
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// MaxAttempts is the total number of calls the policy permits.
func (rp *RetryPolicy) MaxAttempts() int {
	return rp.config.MaxRetries + 1
}

// ShouldRetry reports whether the failed attempt (0-based) may be retried.
func (rp *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before the retry that follows attempt:
// BackoffBase * BackoffMultiplier^attempt, plus jitter, capped at MaxBackoff.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.BackoffBase) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	if rp.config.MaxBackoff > 0 && backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	return backoff
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteWithRetry runs fn until it succeeds, the policy gives up, or ctx ends.
// It returns the number of attempts made.
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, sleep Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt < rp.MaxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}
		if !IsRetryableError(lastErr) {
			return attempt + 1, lastErr
		}
		if !rp.ShouldRetry(attempt, lastErr) {
			if rp.config.MaxRetries > 0 {
				return attempt + 1, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
			}
			return attempt + 1, lastErr
		}

		if err := sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
			return attempt + 1, err
		}
	}

	return rp.MaxAttempts(), lastErr
}

// IsRetryableError reports whether a failed call may succeed if repeated.
// Cancellation, open circuits, auth resolution failures and permanent provider
// errors are not retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, domain.ErrNoMethodAvailable) {
		return false
	}
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return !perr.Permanent()
	}
	return true
}

// CallWithTimeout runs fn under a per-call deadline. When the deadline (and not
// the parent context) ends the call, the error wraps ErrRequestTimeout.
func CallWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrRequestTimeout, timeout, err)
	}
	return err
}
