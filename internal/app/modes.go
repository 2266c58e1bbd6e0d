package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avolkov/exitpilot/internal/autoexit"
	"github.com/avolkov/exitpilot/internal/config"
	"github.com/avolkov/exitpilot/internal/domain"
	"github.com/avolkov/exitpilot/internal/engine"
	"github.com/avolkov/exitpilot/internal/exchange"
	"github.com/avolkov/exitpilot/internal/safety"
)

// maintenanceInterval is how often trade mode trims executor history and
// reconciles pending persistence.
const maintenanceInterval = time.Hour

// TradeMode opens the configured position from the account balance and runs
// the phase execution engine against the live price feed, with the safety
// monitor supervising it.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.String("symbol", a.cfg.Strategy.Symbol),
		slog.String("strategy", a.cfg.Strategy.Name),
	)

	g, ctx := errgroup.WithContext(ctx)

	runner, analytics, err := a.startTrading(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	a.startSafetyMonitor(ctx, deps, analytics, runner)

	return g.Wait()
}

// AutoExitMode protects persisted positions only: the database-driven poll
// loop applies stop-loss and take-profit rules, and the safety monitor
// supervises exchange health. The in-memory engine does not run.
func (a *App) AutoExitMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting auto-exit mode")

	g, ctx := errgroup.WithContext(ctx)

	mgr := autoexit.NewManager(autoexit.Config{
		PollInterval:        a.cfg.AutoExit.PollInterval.Duration,
		MinResidualQuantity: a.cfg.AutoExit.MinResidualQuantity,
	}, deps.PositionStore, deps.StrategyStore, deps.Gateway, deps.PriceCache, a.logger)
	g.Go(func() error {
		return mgr.Run(ctx)
	})

	a.startSafetyMonitor(ctx, deps, nil, nil)

	return g.Wait()
}

// MonitorMode runs the safety monitor alone: no orders, no database. Risk
// inputs reduce to exchange health and process health.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	a.startSafetyMonitor(ctx, deps, nil, nil)

	<-ctx.Done()
	return ctx.Err()
}

// FullMode runs everything: the phase execution engine on the live feed, the
// auto-exit poll loop over persisted positions, and one safety monitor
// supervising both.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	runner, analytics, err := a.startTrading(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if a.cfg.AutoExit.Enabled {
		mgr := autoexit.NewManager(autoexit.Config{
			PollInterval:        a.cfg.AutoExit.PollInterval.Duration,
			MinResidualQuantity: a.cfg.AutoExit.MinResidualQuantity,
		}, deps.PositionStore, deps.StrategyStore, deps.Gateway, deps.PriceCache, a.logger)
		g.Go(func() error {
			return mgr.Run(ctx)
		})
	}

	a.startSafetyMonitor(ctx, deps, analytics, runner)

	return g.Wait()
}

// startTrading builds the execution engine around a position opened from the
// current account holdings and starts the feed, the runner, and the
// maintenance loop on g.
func (a *App) startTrading(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*engine.Runner, *engine.PerformanceAnalytics, error) {
	strategy, err := tradingStrategyFromConfig(a.cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}

	pm := engine.NewPositionManager(strategy, deps.PhaseRecordStore, a.logger)
	if err := a.openPosition(ctx, deps, pm); err != nil {
		return nil, nil, err
	}

	analytics := engine.NewPerformanceAnalytics(
		pm.Executor(),
		deps.PhaseRecordStore,
		deps.Archiver,
		a.cfg.Safety.Thresholds.MaxDrawdownPercentage,
		a.logger,
	)

	feed := exchange.NewPriceFeed(a.cfg.Exchange.WsURL, []string{a.cfg.Strategy.Symbol}, a.logger)
	g.Go(func() error {
		return feed.Run(ctx)
	})

	// Tee the feed through the price cache so the auto-exit manager and
	// the risk adapter see the same quotes the engine trades on.
	ticks := make(chan domain.Ticker, 64)
	g.Go(func() error {
		defer close(ticks)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case tick, ok := <-feed.Ticks():
				if !ok {
					return nil
				}
				if err := deps.PriceCache.SetPrice(ctx, tick.Symbol, tick.Price, tick.Ts); err != nil {
					a.logger.Debug("price cache update failed", slog.String("error", err.Error()))
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ticks <- tick:
				}
			}
		}
	})

	runner := engine.NewRunner(engine.RunnerConfig{
		MaxPhasesPerExecution: a.cfg.Strategy.MaxPhasesPerExecution,
		FeeRate:               a.cfg.Strategy.FeeRate,
	}, ticks, pm, analytics, deps.Gateway, deps.Notifier, a.logger)
	g.Go(func() error {
		return runner.Run(ctx)
	})

	g.Go(func() error {
		return a.maintenanceLoop(ctx, analytics)
	})

	return runner, analytics, nil
}

// openPosition binds the position manager to the account's current holdings
// of the configured symbol at the latest traded price, and mirrors the
// position to the database so the auto-exit loop protects it too.
func (a *App) openPosition(ctx context.Context, deps *Dependencies, pm *engine.PositionManager) error {
	symbol := a.cfg.Strategy.Symbol

	ticker, err := deps.Gateway.GetSymbolTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}

	balances, err := deps.Gateway.GetAccountBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	asset := baseAsset(symbol)
	var quantity float64
	for _, b := range balances {
		if b.Asset == asset {
			quantity = b.Free
			break
		}
	}
	if quantity <= 0 {
		return fmt.Errorf("no free %s balance to manage for %s", asset, symbol)
	}

	if err := pm.InitializePosition(symbol, ticker.Price, quantity); err != nil {
		return fmt.Errorf("initialize position: %w", err)
	}

	if deps.PositionStore != nil {
		now := time.Now().UTC()
		pos := domain.ActivePosition{
			ID:              uuid.New().String(),
			Symbol:          symbol,
			EntryPrice:      ticker.Price,
			Quantity:        quantity,
			ExitStrategy:    a.cfg.Strategy.Name,
			StopLossPercent: a.cfg.Safety.Thresholds.MaxDrawdownPercentage,
			Status:          domain.PositionStatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := deps.PositionStore.Create(ctx, pos); err != nil {
			return fmt.Errorf("persist position: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "position opened",
		slog.String("symbol", symbol),
		slog.Float64("entry_price", ticker.Price),
		slog.Float64("quantity", quantity),
	)
	return nil
}

// maintenanceLoop periodically trims executor history (archiving the trimmed
// records) and retries records whose inline persistence failed.
func (a *App) maintenanceLoop(ctx context.Context, analytics *engine.PerformanceAnalytics) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if flushed := analytics.FlushPending(ctx); flushed > 0 {
				a.logger.Info("pending records persisted", slog.Int("count", flushed))
			}
			report := analytics.PerformMaintenanceCleanup(ctx)
			if report.RecordsTrimmed > 0 {
				a.logger.Info("execution history trimmed",
					slog.Int("records", report.RecordsTrimmed),
					slog.Int64("bytes_freed", report.BytesFreed),
				)
			}
		}
	}
}

// startSafetyMonitor builds and starts the safety monitor. analytics and
// halter may be nil in modes without the execution engine; the monitor then
// works from exchange and process health alone.
func (a *App) startSafetyMonitor(ctx context.Context, deps *Dependencies, analytics *engine.PerformanceAnalytics, halter safety.ExecutionHalter) {
	var perf safety.PerformanceSource
	if analytics != nil {
		perf = &executionRiskSource{
			analytics: analytics,
			prices:    deps.PriceCache,
			symbol:    a.cfg.Strategy.Symbol,
		}
	}

	monitor := safety.NewMonitor(safety.Config{
		MonitoringInterval:  a.cfg.Safety.MonitoringInterval.Duration,
		RiskCheckInterval:   a.cfg.Safety.RiskCheckInterval.Duration,
		AutoActionEnabled:   a.cfg.Safety.AutoActionEnabled,
		AlertRetentionHours: a.cfg.Safety.AlertRetentionHours,
		Thresholds: safety.Thresholds{
			MaxDrawdownPercentage:    a.cfg.Safety.Thresholds.MaxDrawdownPercentage,
			MinSuccessRatePercentage: a.cfg.Safety.Thresholds.MinSuccessRatePercentage,
			MaxConsecutiveLosses:     a.cfg.Safety.Thresholds.MaxConsecutiveLosses,
			MaxSlippagePercentage:    a.cfg.Safety.Thresholds.MaxSlippagePercentage,
			MinPatternConfidence:     a.cfg.Safety.Thresholds.MinPatternConfidence,
			MaxAPILatencyMs:          a.cfg.Safety.Thresholds.MaxAPILatencyMs,
			MinAPISuccessRate:        a.cfg.Safety.Thresholds.MinAPISuccessRate,
			MaxMemoryUsagePercentage: a.cfg.Safety.Thresholds.MaxMemoryUsagePercentage,
		},
	}, perf, nil, deps.Reliability, halter, deps.Gateway, deps.PositionStore, deps.AlertSink, a.logger)

	monitor.Start(ctx)
}

// tradingStrategyFromConfig builds and validates the engine strategy from
// configuration.
func tradingStrategyFromConfig(sc config.StrategyConfig) (domain.TradingStrategy, error) {
	levels := make([]domain.StrategyLevel, 0, len(sc.Levels))
	for _, l := range sc.Levels {
		levels = append(levels, domain.StrategyLevel{
			Multiplier:     l.Multiplier,
			SellPercentage: l.SellPercentage,
		})
	}
	strategy := domain.TradingStrategy{Name: sc.Name, Levels: levels}
	if err := strategy.Validate(); err != nil {
		return domain.TradingStrategy{}, err
	}
	return strategy, nil
}

// baseAsset strips the quote currency from a trading pair symbol, e.g.
// "BTCUSDT" -> "BTC". Unknown quotes leave the symbol unchanged.
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
