package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open. Once it elapses the circuit
	// closes with a zero failure count.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// CircuitBreaker counts consecutive failures of one provider.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig
	now    func() time.Time

	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	shortCircuits       int
	lastStateChange     time.Time
	openUntil           time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. A nil now uses time.Now.
func NewCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		state:           StateClosed,
		config:          config.withDefaults(),
		now:             now,
		lastStateChange: now(),
	}
}

// Allow reports whether a call may proceed. An open circuit whose cooldown has
// elapsed closes and resets its counter.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateClosed {
		return nil
	}
	now := cb.now()
	if !now.Before(cb.openUntil) {
		cb.transitionToLocked(StateClosed, now)
		return nil
	}
	cb.shortCircuits++
	return ErrCircuitOpen
}

// Record accounts the result of a call that Allow let through.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++
	if cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.transitionToLocked(StateOpen, cb.now())
	}
}

// ExecuteContext wraps a call with circuit breaker protection. Calls abandoned
// because ctx ended are not counted.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if ctx.Err() == nil {
		cb.Record(err)
	}
	return err
}

// Configure replaces the thresholds while keeping the current state.
func (cb *CircuitBreaker) Configure(config CircuitBreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = config.withDefaults()
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0

	switch newState {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.Cooldown)
	case StateClosed:
		cb.openUntil = time.Time{}
	}
}

// State returns the current state without applying the cooldown.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:               string(cb.state),
		ConsecutiveFailures: cb.consecutiveFailures,
		Failures:            cb.totalFailures,
		Successes:           cb.totalSuccesses,
		ShortCircuits:       cb.shortCircuits,
		LastStateChange:     cb.lastStateChange.Format(time.RFC3339),
		FailureThreshold:    cb.config.FailureThreshold,
		Cooldown:            cb.config.Cooldown.String(),
	}
	if !cb.openUntil.IsZero() {
		stats.OpenUntil = cb.openUntil.Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	ShortCircuits       int    `json:"shortCircuits"`
	LastStateChange     string `json:"lastStateChange"`
	OpenUntil           string `json:"openUntil,omitempty"`
	FailureThreshold    int    `json:"failureThreshold"`
	Cooldown            string `json:"cooldown"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed, cb.now())
	cb.consecutiveFailures = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.shortCircuits = 0
}

// CircuitBreakerManager is the process-wide table of breakers keyed by
// provider id. Every run targeting a provider shares its breaker.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	now      func() time.Time
}

// ManagerOption customises a CircuitBreakerManager.
type ManagerOption func(*CircuitBreakerManager)

// WithClock sets the time source handed to every breaker.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *CircuitBreakerManager) {
		m.now = now
	}
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager(opts ...ManagerOption) *CircuitBreakerManager {
	m := &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the breaker for providerID, creating it with config on first use.
// An existing breaker adopts config if it differs.
func (m *CircuitBreakerManager) Get(providerID string, config CircuitBreakerConfig) *CircuitBreaker {
	config = config.withDefaults()

	m.mu.RLock()
	cb, exists := m.breakers[providerID]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		cb, exists = m.breakers[providerID]
		if !exists {
			cb = NewCircuitBreaker(config, m.now)
			m.breakers[providerID] = cb
		}
		m.mu.Unlock()
	}

	cb.mu.Lock()
	changed := cb.config != config
	cb.mu.Unlock()
	if changed {
		cb.Configure(config)
	}
	return cb
}

// Stats returns statistics for all circuit breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for providerID, cb := range m.breakers {
		stats[providerID] = cb.Stats()
	}
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
