package engine

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// Notifier is the slice of the notification system the runner needs.
type Notifier interface {
	Notify(ctx context.Context, event domain.NotifyEvent, title, message string) error
}

// RunnerConfig tunes the execution loop.
type RunnerConfig struct {
	// MaxPhasesPerExecution caps how many phases one price update may
	// trigger. Zero means no cap.
	MaxPhasesPerExecution int
	// FeeRate is the taker fee fraction charged on each fill, e.g. 0.001
	// for 10 bps. Applied to the fill notional when recording a phase.
	FeeRate float64
}

// Runner drives the execution engine from a stream of price updates. It is
// the single writer for its position manager: updates are consumed one at a
// time, and ticks that arrive while an update is being processed are
// collapsed to the most recent one.
type Runner struct {
	cfg       RunnerConfig
	prices    <-chan domain.Ticker
	pm        *PositionManager
	analytics *PerformanceAnalytics
	gateway   domain.ExchangeGateway
	notifier  Notifier
	logger    *slog.Logger

	halted atomic.Bool
}

// NewRunner creates a Runner consuming price updates from prices. The
// gateway is expected to already be reliability-guarded.
func NewRunner(
	cfg RunnerConfig,
	prices <-chan domain.Ticker,
	pm *PositionManager,
	analytics *PerformanceAnalytics,
	gateway domain.ExchangeGateway,
	notifier Notifier,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:       cfg,
		prices:    prices,
		pm:        pm,
		analytics: analytics,
		gateway:   gateway,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "runner")),
	}
}

// Halt stops order placement until Resume. Used by the safety monitor's
// emergency response.
func (r *Runner) Halt(reason string) {
	if r.halted.CompareAndSwap(false, true) {
		r.logger.Warn("trading halted", slog.String("reason", reason))
	}
}

// Resume lifts a halt.
func (r *Runner) Resume() {
	if r.halted.CompareAndSwap(true, false) {
		r.logger.Info("trading resumed")
	}
}

// Halted reports whether order placement is currently suspended.
func (r *Runner) Halted() bool { return r.halted.Load() }

// Run processes price updates until the context is cancelled or the price
// channel closes.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started")
	defer r.logger.Info("runner stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-r.prices:
			if !ok {
				return nil
			}
			tick = r.latest(tick)
			if r.halted.Load() {
				continue
			}
			r.process(ctx, tick)
		}
	}
}

// latest drains any ticks buffered behind the one just received and returns
// the newest, so a slow exchange call never leaves us reacting to stale
// prices.
func (r *Runner) latest(tick domain.Ticker) domain.Ticker {
	for {
		select {
		case next, ok := <-r.prices:
			if !ok {
				return tick
			}
			tick = next
		default:
			return tick
		}
	}
}

// process executes every phase due at the tick's price, in ascending phase
// order. A failed order stops the invocation so a later phase never
// executes before an earlier one.
func (r *Runner) process(ctx context.Context, tick domain.Ticker) {
	exec := r.pm.Executor()
	if exec == nil || exec.Symbol() != tick.Symbol || exec.IsComplete() {
		return
	}

	due := exec.ExecutePhases(tick.Price, r.cfg.MaxPhasesPerExecution)
	for _, pending := range due {
		// A halt can land between orders of the same tick; later phases
		// must not execute once it has.
		if r.halted.Load() {
			r.logger.Warn("phase execution aborted",
				slog.Int("phase", pending.Phase),
				slog.String("reason", domain.ErrTradingHalted.Error()),
			)
			return
		}
		start := time.Now()
		result, err := r.gateway.PlaceOrder(ctx, domain.OrderParams{
			Symbol:   tick.Symbol,
			Side:     domain.OrderSideSell,
			Type:     domain.OrderTypeMarket,
			Quantity: pending.Amount,
		})
		latency := time.Since(start)

		if err != nil {
			r.logger.Error("phase order failed",
				slog.Int("phase", pending.Phase),
				slog.String("error", err.Error()),
			)
			r.notify(ctx, domain.EventOrderFailed, "Phase order failed", err.Error())
			return
		}

		fill := r.pm.HandlePartialFill("phase_sell", result.FilledQty, pending.Amount)
		amount := pending.Amount
		if !fill.Complete {
			amount = result.FilledQty
		}

		price := result.FilledPrice
		if price <= 0 {
			price = tick.Price
		}
		slippage := 0.0
		if tick.Price > 0 {
			slippage = math.Abs(price-tick.Price) / tick.Price * 100
		}

		rec := exec.RecordPhaseExecution(ctx, pending.Phase, price, amount, ExecutionDetails{
			Fees:      amount * price * r.cfg.FeeRate,
			Slippage:  slippage,
			LatencyMs: latency.Milliseconds(),
		})
		r.notify(ctx, domain.EventPhaseExecuted, "Phase executed",
			formatPhaseMessage(tick.Symbol, rec))
	}

	if exec.IsComplete() {
		summary := exec.CalculateSummary(tick.Price)
		r.logger.Info("strategy complete",
			slog.String("symbol", tick.Symbol),
			slog.Float64("realized_profit", summary.RealizedProfit),
		)
		r.notify(ctx, domain.EventPositionComplete, "All phases executed",
			formatCompleteMessage(tick.Symbol, summary))
	}
}

func (r *Runner) notify(ctx context.Context, event domain.NotifyEvent, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.Debug("notification failed", slog.String("error", err.Error()))
	}
}
