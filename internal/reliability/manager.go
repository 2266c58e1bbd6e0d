package reliability

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// failureWindow is the width of the trailing window used to adapt retry
// delays to the recent failure rate. Outcomes drop out abruptly at the
// boundary rather than decaying.
const failureWindow = 5 * time.Minute

// RetryConfig holds the retry and backoff parameters.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFactor is the +/- fraction of the computed delay randomized
	// away to avoid thundering herds. 0.1 means +/-10%.
	JitterFactor float64
	// AdaptiveRetry enables scaling delays by the trailing failure rate.
	AdaptiveRetry bool
}

// ManagerStats aggregates call outcomes for the safety monitor's system
// health check.
type ManagerStats struct {
	TotalCalls   int64
	Failures     int64
	SuccessRate  float64 // percent
	AvgLatencyMs float64
	Breaker      BreakerSnapshot
	RateLimiter  RateLimiterStats
}

type outcome struct {
	at     time.Time
	failed bool
}

// Manager composes the rate limiter, circuit breaker, and classified retry
// into the single entry point every exchange call goes through.
type Manager struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger

	mu           sync.Mutex
	outcomes     []outcome
	totalCalls   int64
	failures     int64
	totalLatency time.Duration
}

// NewManager creates a Manager from its three parts.
func NewManager(limiter *RateLimiter, breaker *CircuitBreaker, retry RetryConfig, logger *slog.Logger) *Manager {
	return &Manager{
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
		logger:  logger.With(slog.String("component", "reliability")),
	}
}

// Execute waits for rate-limit admission (which may suspend), then runs op
// through the circuit breaker. The operation's error, if any, surfaces
// unchanged apart from breaker bookkeeping.
func (m *Manager) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := m.limiter.WaitIfNeeded(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := m.breaker.Do(ctx, op)
	m.observe(time.Since(start), err)
	return err
}

// ExecuteWithRetry runs Execute up to maxRetries+1 times. Failures are
// classified; fatal classifications and exhausted attempts surface the last
// error unchanged, so the caller must not retry again. When maxRetries is
// negative the configured default applies.
func (m *Manager) ExecuteWithRetry(ctx context.Context, op func(context.Context) error) error {
	return m.executeWithRetry(ctx, op, m.retry.MaxRetries)
}

func (m *Manager) executeWithRetry(ctx context.Context, op func(context.Context) error, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		lastErr = m.Execute(ctx, op)
		if lastErr == nil {
			return nil
		}

		c := Classify(lastErr)
		if !c.Retryable || attempt == maxRetries+1 {
			return lastErr
		}

		delay := m.RetryDelay(attempt, c)
		m.logger.Warn("retrying after failure",
			slog.Int("attempt", attempt),
			slog.String("category", string(c.Category)),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// RetryDelay computes the backoff before the given attempt's retry:
// classifier delay scaled exponentially, by the adaptive multiplier, and by
// jitter, clamped into [BaseDelay, MaxDelay].
func (m *Manager) RetryDelay(attempt int, c Classification) time.Duration {
	base := c.SuggestedDelay
	if base <= 0 {
		base = m.retry.BaseDelay
	}

	growth := m.retry.BackoffMultiplier
	if c.BackoffMultiplier > 0 {
		growth *= c.BackoffMultiplier
	}

	delay := float64(base) * math.Pow(growth, float64(attempt-1))

	if m.retry.AdaptiveRetry {
		delay *= m.adaptiveMultiplier(time.Now())
	}

	if m.retry.JitterFactor > 0 {
		jitter := 1 + (rand.Float64()*2-1)*m.retry.JitterFactor
		delay *= jitter
	}

	d := time.Duration(delay)
	if d < m.retry.BaseDelay {
		d = m.retry.BaseDelay
	}
	if d > m.retry.MaxDelay {
		d = m.retry.MaxDelay
	}
	return d
}

// Stats returns an aggregate view of recent call outcomes.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	total := m.totalCalls
	failures := m.failures
	latency := m.totalLatency
	m.mu.Unlock()

	s := ManagerStats{
		TotalCalls:  total,
		Failures:    failures,
		SuccessRate: 100,
		Breaker:     m.breaker.Snapshot(),
		RateLimiter: m.limiter.Stats(),
	}
	if total > 0 {
		s.SuccessRate = float64(total-failures) / float64(total) * 100
		s.AvgLatencyMs = float64(latency.Milliseconds()) / float64(total)
	}
	return s
}

// observe records one call outcome into the trailing window and totals.
func (m *Manager) observe(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCalls++
	m.totalLatency += latency
	if err != nil {
		m.failures++
	}
	m.outcomes = append(m.outcomes, outcome{at: time.Now(), failed: err != nil})
	m.pruneOutcomes(time.Now())
}

// adaptiveMultiplier scales retry delays by the trailing failure rate:
// above 50% recent failures doubles delays, above 20% adds half.
func (m *Manager) adaptiveMultiplier(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneOutcomes(now)
	if len(m.outcomes) == 0 {
		return 1.0
	}
	var failed int
	for _, o := range m.outcomes {
		if o.failed {
			failed++
		}
	}
	rate := float64(failed) / float64(len(m.outcomes))
	switch {
	case rate > 0.5:
		return 2.0
	case rate > 0.2:
		return 1.5
	default:
		return 1.0
	}
}

// pruneOutcomes drops entries older than the trailing window. Caller holds
// the lock.
func (m *Manager) pruneOutcomes(now time.Time) {
	cutoff := now.Add(-failureWindow)
	i := 0
	for i < len(m.outcomes) && m.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.outcomes = append(m.outcomes[:0], m.outcomes[i:]...)
	}
}

// Do runs a typed operation through the manager with retry, returning the
// operation's result.
func Do[T any](ctx context.Context, m *Manager, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := m.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
