package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

func newTestManager(retry RetryConfig) *Manager {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxRequests: 1000,
		WindowSize:  time.Second,
		QueueSize:   10,
	}, testLogger())
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1000,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
	}, testLogger())
	return NewManager(limiter, breaker, retry, testLogger())
}

func TestClassifyOrdering(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"rate limit", domain.NewExchangeError(domain.ErrKindRateLimit, 429, "slow down"), CategoryRateLimit, true},
		{"server", domain.NewExchangeError(domain.ErrKindServer, 503, "unavailable"), CategoryServer, true},
		{"timeout", domain.NewExchangeError(domain.ErrKindTimeout, 504, "late"), CategoryTimeout, true},
		{"authentication", domain.NewExchangeError(domain.ErrKindAuthentication, 401, "bad key"), CategoryAuthentication, false},
		{"client", domain.NewExchangeError(domain.ErrKindClient, 400, "bad request"), CategoryClient, false},
		{"network", domain.NewExchangeError(domain.ErrKindNetwork, 0, "refused"), CategoryNetwork, true},
		{"circuit open", domain.ErrCircuitOpen, CategoryBackpressure, false},
		{"queue full", domain.ErrQueueFull, CategoryBackpressure, false},
		{"deadline", context.DeadlineExceeded, CategoryTimeout, true},
		{"untyped", errors.New("conn reset"), CategoryNetwork, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			if c.Category != tc.category {
				t.Errorf("category = %s, want %s", c.Category, tc.category)
			}
			if c.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", c.Retryable, tc.retryable)
			}
		})
	}
}

func TestClassifyHonoursRetryAfter(t *testing.T) {
	ee := domain.NewExchangeError(domain.ErrKindRateLimit, 429, "slow down")
	ee.RetryAfter = 7 * time.Second

	c := Classify(ee)
	if c.SuggestedDelay != 7*time.Second {
		t.Fatalf("suggested delay = %v, want 7s", c.SuggestedDelay)
	}
}

func TestRetryDelayClamped(t *testing.T) {
	m := newTestManager(RetryConfig{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})
	c := Classification{SuggestedDelay: 100 * time.Millisecond, BackoffMultiplier: 1.0}

	if got := m.RetryDelay(1, c); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v, want 100ms", got)
	}
	if got := m.RetryDelay(2, c); got != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v, want 200ms", got)
	}
	// Exponential growth past MaxDelay clamps down.
	if got := m.RetryDelay(5, c); got != 500*time.Millisecond {
		t.Fatalf("attempt 5 delay = %v, want clamped 500ms", got)
	}
	// A suggested delay below BaseDelay clamps up.
	short := Classification{SuggestedDelay: time.Millisecond, BackoffMultiplier: 1.0}
	if got := m.RetryDelay(1, short); got != 100*time.Millisecond {
		t.Fatalf("short delay = %v, want floor 100ms", got)
	}
}

func TestExecuteWithRetryStopsOnFatal(t *testing.T) {
	m := newTestManager(RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	attempts := 0
	err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return domain.NewExchangeError(domain.ErrKindAuthentication, 401, "bad key")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a fatal error", attempts)
	}
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	m := newTestManager(RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	attempts := 0
	err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return domain.NewExchangeError(domain.ErrKindNetwork, 0, "refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v, want success after retries", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExecuteWithRetryExhausted(t *testing.T) {
	m := newTestManager(RetryConfig{
		MaxRetries:        2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	attempts := 0
	err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return domain.NewExchangeError(domain.ErrKindServer, 503, "down")
	})
	if err == nil {
		t.Fatal("want last error surfaced")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want MaxRetries+1 = 3", attempts)
	}
}

func TestDoReturnsTypedResult(t *testing.T) {
	m := newTestManager(RetryConfig{
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	got, err := Do(context.Background(), m, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("result = %d, want 42", got)
	}
}

func TestStatsTracksOutcomes(t *testing.T) {
	m := newTestManager(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1})
	ctx := context.Background()

	_ = m.Execute(ctx, okOp)
	_ = m.Execute(ctx, failOp)

	s := m.Stats()
	if s.TotalCalls != 2 {
		t.Fatalf("total calls = %d, want 2", s.TotalCalls)
	}
	if s.Failures != 1 {
		t.Fatalf("failures = %d, want 1", s.Failures)
	}
	if s.SuccessRate != 50 {
		t.Fatalf("success rate = %v, want 50", s.SuccessRate)
	}
}
