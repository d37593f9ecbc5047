package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned for calls refused by the local rate limiter.
var ErrRateLimited = errors.New("local rate limit exceeded")

// RateLimiterConfig bounds the calls made to one provider.
type RateLimiterConfig struct {
	RequestsPerMinute int
	// Burst defaults to RequestsPerMinute.
	Burst int
}

// RateLimiter implements token bucket rate limiting per provider. Providers
// without a configured limit are never limited.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided per-provider limits.
// A nil now uses time.Now.
func NewRateLimiter(limits map[string]RateLimiterConfig, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket), now: now}
	rl.Configure(limits)
	return rl
}

// Configure replaces the limits. Buckets of providers that keep a limit keep
// their remaining tokens.
func (rl *RateLimiter) Configure(limits map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	buckets := make(map[string]*tokenBucket, len(limits))
	for id, cfg := range limits {
		if cfg.RequestsPerMinute <= 0 {
			continue
		}
		if bucket, ok := rl.buckets[id]; ok {
			bucket.configure(cfg, now)
			buckets[id] = bucket
			continue
		}
		buckets[id] = newTokenBucket(cfg, now)
	}
	rl.buckets = buckets
}

// Allow consumes a token for providerID and reports whether the call may
// proceed.
func (rl *RateLimiter) Allow(providerID string) bool {
	rl.mu.RLock()
	bucket, ok := rl.buckets[providerID]
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return bucket.take(rl.now())
}

// Stats returns the current state of every bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for id, bucket := range rl.buckets {
		stats[id] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes the state of one bucket.
type RateLimitStats struct {
	RequestsPerMinute int     `json:"requests_per_minute"`
	Burst             int     `json:"burst"`
	Available         float64 `json:"available"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(cfg RateLimiterConfig, now time.Time) *tokenBucket {
	tb := &tokenBucket{lastRefill: now}
	tb.configure(cfg, now)
	tb.tokens = tb.capacity
	return tb
}

func (tb *tokenBucket) configure(cfg RateLimiterConfig, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	tb.rate = float64(cfg.RequestsPerMinute) / 60
	tb.capacity = float64(burst)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		RequestsPerMinute: int(tb.rate*60 + 0.5),
		Burst:             int(tb.capacity),
		Available:         tb.tokens,
	}
}
