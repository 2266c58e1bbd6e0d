package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreakerConfig holds the breaker's trip and recovery parameters.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before the next
	// call is allowed through as a half-open trial.
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests caps concurrent trial calls in half-open; it is
	// also the number of consecutive successes required to close.
	HalfOpenMaxRequests int
	// MonitoringPeriod bounds how long a failure streak stays relevant
	// while closed. A failure arriving more than this after the previous
	// one starts a fresh streak. Zero disables the reset.
	MonitoringPeriod time.Duration
}

// BreakerSnapshot is a point-in-time view of breaker counters for the
// safety monitor.
type BreakerSnapshot struct {
	State           BreakerState
	Failures        int
	Successes       int
	TotalRequests   int64
	LastFailureTime time.Time
}

// CircuitBreaker is a three-state fault gate in front of the exchange.
// While open it fails fast with ErrCircuitOpen without invoking the
// operation; after RecoveryTimeout it admits a bounded number of trial
// calls, closing again only after enough consecutive successes.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	totalRequests    int64
}

// NewCircuitBreaker creates a closed CircuitBreaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
}

// Do runs op through the breaker. The admission decision and the counter
// updates are each taken under the lock; the operation itself runs without
// it so slow exchange calls never serialize behind the breaker.
func (cb *CircuitBreaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := op(ctx)
	cb.record(err)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		TotalRequests:   cb.totalRequests,
		LastFailureTime: cb.lastFailure,
	}
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) <= cb.cfg.RecoveryTimeout {
			return domain.ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.successes = 0
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxRequests {
			return domain.ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight++
	}
	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		now := time.Now()
		switch cb.state {
		case StateHalfOpen:
			// Any trial failure sends us straight back to open.
			cb.transition(StateOpen)
			cb.successes = 0
		default:
			if cb.cfg.MonitoringPeriod > 0 && !cb.lastFailure.IsZero() &&
				now.Sub(cb.lastFailure) > cb.cfg.MonitoringPeriod {
				cb.failures = 0
			}
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transition(StateOpen)
			}
		}
		cb.lastFailure = now
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMaxRequests {
			cb.transition(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// transition logs and applies a state change. Caller holds the lock.
func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	cb.logger.Warn("circuit breaker state change",
		slog.String("from", string(cb.state)),
		slog.String("to", string(to)),
		slog.Int("failures", cb.failures),
	)
	cb.state = to
}
