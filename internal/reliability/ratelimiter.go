package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// RateLimiterConfig holds the sliding-window admission parameters.
type RateLimiterConfig struct {
	// MaxRequests is the number of admissions allowed per window.
	MaxRequests int
	// WindowSize is the width of the sliding window.
	WindowSize time.Duration
	// BurstSize caps how many queued waiters are released in one sweep.
	// Zero means no cap beyond free window slots.
	BurstSize int
	// QueueSize bounds the FIFO waiter queue. An arrival that finds the
	// queue full is rejected immediately with ErrQueueFull.
	QueueSize int
}

type waiter struct {
	ready     chan struct{}
	arrivedAt time.Time
}

// RateLimiterStats is a point-in-time snapshot of limiter activity.
type RateLimiterStats struct {
	Admitted      int64
	Rejected      int64
	CurrentWindow int
	QueueDepth    int
	TotalWaiters  int64
	TotalWaitTime time.Duration
	MaxWaitTime   time.Duration
}

// RateLimiter admits calls against a sliding window of timestamps. Calls
// beyond the window capacity queue FIFO up to QueueSize and are released in
// arrival order as window slots expire. One instance is shared by all
// callers, so fairness is global.
type RateLimiter struct {
	cfg    RateLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	admitted []time.Time
	queue    []*waiter
	timerSet bool

	stats RateLimiterStats
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rate_limiter")),
	}
}

// WaitIfNeeded admits the caller immediately when the window has capacity
// and the queue is empty; otherwise it joins the FIFO queue and suspends
// until released or the context is cancelled. A full queue is an immediate
// ErrQueueFull rejection, never a timeout.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context) error {
	rl.mu.Lock()
	now := time.Now()
	rl.prune(now)

	if len(rl.queue) == 0 && len(rl.admitted) < rl.cfg.MaxRequests {
		rl.admitted = append(rl.admitted, now)
		rl.stats.Admitted++
		rl.mu.Unlock()
		return nil
	}

	if len(rl.queue) >= rl.cfg.QueueSize {
		rl.stats.Rejected++
		rl.mu.Unlock()
		return domain.ErrQueueFull
	}

	w := &waiter{ready: make(chan struct{}), arrivedAt: now}
	rl.queue = append(rl.queue, w)
	rl.scheduleRelease(now)
	rl.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		rl.mu.Lock()
		rl.remove(w)
		rl.mu.Unlock()
		// The release sweep may have admitted us between the cancel and
		// the removal; honour the admission so the slot is not wasted.
		select {
		case <-w.ready:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// Stats returns a snapshot of limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.stats
	s.CurrentWindow = len(rl.admitted)
	s.QueueDepth = len(rl.queue)
	return s
}

// prune drops window entries older than WindowSize. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.cfg.WindowSize)
	i := 0
	for i < len(rl.admitted) && !rl.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.admitted = append(rl.admitted[:0], rl.admitted[i:]...)
	}
}

// scheduleRelease arms the release timer for the instant the oldest window
// entry expires. Caller holds the lock.
func (rl *RateLimiter) scheduleRelease(now time.Time) {
	if rl.timerSet || len(rl.queue) == 0 {
		return
	}
	var d time.Duration
	if len(rl.admitted) >= rl.cfg.MaxRequests {
		d = rl.admitted[0].Add(rl.cfg.WindowSize).Sub(now)
		if d < 0 {
			d = 0
		}
	}
	rl.timerSet = true
	time.AfterFunc(d, rl.release)
}

// release admits queued waiters in arrival order into freed window slots.
func (rl *RateLimiter) release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.timerSet = false
	now := time.Now()
	rl.prune(now)

	released := 0
	for len(rl.queue) > 0 && len(rl.admitted) < rl.cfg.MaxRequests {
		if rl.cfg.BurstSize > 0 && released >= rl.cfg.BurstSize {
			break
		}
		w := rl.queue[0]
		rl.queue = rl.queue[1:]
		rl.admitted = append(rl.admitted, now)
		waited := now.Sub(w.arrivedAt)
		rl.stats.Admitted++
		rl.stats.TotalWaiters++
		rl.stats.TotalWaitTime += waited
		if waited > rl.stats.MaxWaitTime {
			rl.stats.MaxWaitTime = waited
		}
		close(w.ready)
		released++
	}

	if len(rl.queue) > 0 {
		rl.scheduleRelease(now)
	}
}

// remove deletes a cancelled waiter from the queue. Caller holds the lock.
func (rl *RateLimiter) remove(target *waiter) {
	for i, w := range rl.queue {
		if w == target {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return
		}
	}
}
