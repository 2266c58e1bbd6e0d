// Package safety implements the periodic safety-monitoring loop: a scheduler
// with non-overlapping tasks, a monitor that aggregates risk across
// execution, pattern, and system health inputs, and the emergency response
// that can halt trading and liquidate positions.
package safety

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// task is one named periodic job.
type task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	running  atomic.Bool
	skipped  atomic.Int64
}

// Scheduler runs named tasks on fixed intervals with guaranteed
// non-overlapping execution per task: a tick that fires while the previous
// run is still in flight is skipped, not queued. Stop cancels the internal
// context and waits for in-flight runs to complete.
type Scheduler struct {
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []*task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// AddTask registers a periodic task. Must be called before Start.
func (s *Scheduler) AddTask(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per task. It is a no-op when already
// started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(runCtx, t)
	}
	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
}

// Stop cancels all task loops and blocks until in-flight runs return.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.running.CompareAndSwap(false, true) {
				t.skipped.Add(1)
				s.logger.Debug("tick skipped, previous run in flight",
					slog.String("task", t.name),
				)
				continue
			}
			func() {
				defer t.running.Store(false)
				t.fn(ctx)
			}()
		}
	}
}

// SkippedTicks returns how many ticks the named task has skipped because a
// previous run was still in flight. Returns zero for unknown tasks.
func (s *Scheduler) SkippedTicks(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t.skipped.Load()
		}
	}
	return 0
}
