package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

func TestLimiterAdmitsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxRequests: 3,
		WindowSize:  time.Second,
		QueueSize:   2,
	}, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rl.WaitIfNeeded(ctx); err != nil {
			t.Fatalf("admission %d: %v", i+1, err)
		}
	}
	if got := rl.Stats().CurrentWindow; got != 3 {
		t.Fatalf("window = %d, want 3", got)
	}
}

func TestLimiterQueuesThenRejects(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxRequests: 1,
		WindowSize:  100 * time.Millisecond,
		QueueSize:   1,
	}, testLogger())
	ctx := context.Background()

	if err := rl.WaitIfNeeded(ctx); err != nil {
		t.Fatalf("first admission: %v", err)
	}

	// Second caller takes the single queue slot.
	released := make(chan error, 1)
	go func() { released <- rl.WaitIfNeeded(ctx) }()

	waitForQueueDepth(t, rl, 1)

	// Third caller finds the queue full and is rejected immediately.
	if err := rl.WaitIfNeeded(ctx); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}

	// The queued caller is released when the window slot expires.
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("queued caller: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued caller never released")
	}

	stats := rl.Stats()
	if stats.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", stats.Rejected)
	}
	if stats.TotalWaiters != 1 {
		t.Fatalf("total waiters = %d, want 1", stats.TotalWaiters)
	}
}

func TestLimiterCancelledWaiter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxRequests: 1,
		WindowSize:  time.Minute,
		QueueSize:   4,
	}, testLogger())

	if err := rl.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("first admission: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.WaitIfNeeded(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
	if got := rl.Stats().QueueDepth; got != 0 {
		t.Fatalf("queue depth = %d, want 0 after cancel", got)
	}
}

func waitForQueueDepth(t *testing.T, rl *RateLimiter, depth int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rl.Stats().QueueDepth == depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached depth %d", depth)
}
