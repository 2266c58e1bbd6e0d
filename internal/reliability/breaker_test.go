package reliability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failOp(ctx context.Context) error { return errBoom }
func okOp(ctx context.Context) error   { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
	}, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Do(ctx, failOp); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i+1, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	// While open the operation must not be invoked.
	invoked := false
	err := cb.Do(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Fatal("operation invoked while breaker open")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    2,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
	}, testLogger())
	ctx := context.Background()

	_ = cb.Do(ctx, failOp)
	_ = cb.Do(ctx, okOp)
	_ = cb.Do(ctx, failOp)

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed after interleaved success", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     20 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	}, testLogger())
	ctx := context.Background()

	_ = cb.Do(ctx, failOp)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if err := cb.Do(ctx, okOp); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("got %v, want fail-fast before recovery timeout", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Two consecutive trial successes are required to close.
	if err := cb.Do(ctx, okOp); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want half_open after one trial success", got)
	}
	if err := cb.Do(ctx, okOp); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestBreakerHalfOpenCapsConcurrentTrials(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     20 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	}, testLogger())
	ctx := context.Background()

	_ = cb.Do(ctx, failOp)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	results := make(chan error, 5)
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		go func() {
			results <- cb.Do(ctx, func(ctx context.Context) error {
				ran.Add(1)
				<-release
				return nil
			})
		}()
	}

	// The two admitted trials stay blocked on release, so the excess
	// calls must fail fast without invoking the operation.
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, domain.ErrCircuitOpen) {
				t.Fatalf("excess call %d: got %v, want ErrCircuitOpen", i+1, err)
			}
		case <-time.After(time.Second):
			t.Fatal("excess call did not fail fast")
		}
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("trial call: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("trial call did not complete")
		}
	}

	if got := ran.Load(); got != 2 {
		t.Fatalf("operations invoked = %d, want exactly the admitted trials", got)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed after trial successes", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     20 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	}, testLogger())
	ctx := context.Background()

	_ = cb.Do(ctx, failOp)
	time.Sleep(30 * time.Millisecond)

	if err := cb.Do(ctx, failOp); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: got %v, want errBoom", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open after failed trial", got)
	}
	if err := cb.Do(ctx, okOp); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("got %v, want fail-fast after reopen", err)
	}
}

func TestBreakerStaleStreakResets(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    2,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
		MonitoringPeriod:    30 * time.Millisecond,
	}, testLogger())
	ctx := context.Background()

	_ = cb.Do(ctx, failOp)
	time.Sleep(50 * time.Millisecond)

	// The streak went stale, so this failure starts a fresh one.
	_ = cb.Do(ctx, failOp)
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed after stale-streak reset", got)
	}

	_ = cb.Do(ctx, failOp)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open after two failures within the period", got)
	}
}
