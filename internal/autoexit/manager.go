// Package autoexit applies stop-loss and take-profit rules to persisted
// positions. Unlike the in-memory execution engine it is database-driven: it
// polls active positions on a fixed interval and acts on whatever it finds,
// so it keeps protecting positions across process restarts.
package autoexit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/exitpilot/internal/domain"
)

// Config tunes the poll loop.
type Config struct {
	// PollInterval is how often active positions are re-evaluated.
	PollInterval time.Duration
	// MinResidualQuantity is the dust threshold below which a position
	// counts as fully sold.
	MinResidualQuantity float64
}

// DefaultConfig returns the standard 5-second poll with a 0.001-unit dust
// threshold.
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		MinResidualQuantity: 0.001,
	}
}

// Manager is the auto-exit poll loop. The gateway it is given is expected
// to already be reliability-guarded.
type Manager struct {
	cfg        Config
	positions  domain.PositionStore
	strategies domain.StrategyStore
	gateway    domain.ExchangeGateway
	prices     domain.PriceCache
	logger     *slog.Logger
}

// NewManager creates an auto-exit Manager. prices may be nil to disable the
// price cache fallback.
func NewManager(
	cfg Config,
	positions domain.PositionStore,
	strategies domain.StrategyStore,
	gateway domain.ExchangeGateway,
	prices domain.PriceCache,
	logger *slog.Logger,
) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MinResidualQuantity <= 0 {
		cfg.MinResidualQuantity = DefaultConfig().MinResidualQuantity
	}
	return &Manager{
		cfg:        cfg,
		positions:  positions,
		strategies: strategies,
		gateway:    gateway,
		prices:     prices,
		logger:     logger.With(slog.String("component", "auto_exit")),
	}
}

// Run polls until the context is cancelled. A cycle that takes longer than
// the interval simply delays the next tick; cycles never overlap.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("auto-exit manager started",
		slog.Duration("poll_interval", m.cfg.PollInterval),
	)
	defer m.logger.Info("auto-exit manager stopped")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckPositions(ctx)
		}
	}
}

// CheckPositions runs one evaluation cycle over every active position.
// Failures on one position are logged and do not stop the sweep.
func (m *Manager) CheckPositions(ctx context.Context) {
	positions, err := m.positions.ListActive(ctx)
	if err != nil {
		m.logger.Error("list active positions failed", slog.String("error", err.Error()))
		return
	}

	for _, pos := range positions {
		if err := m.evaluate(ctx, pos); err != nil {
			m.logger.Warn("position evaluation failed",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// evaluate applies the exit rules to one position. Stop-loss is checked
// first; when it fires, take-profit evaluation is skipped for this cycle.
func (m *Manager) evaluate(ctx context.Context, pos domain.ActivePosition) error {
	price, err := m.currentPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	if pos.StopLossPercent > 0 && pos.LossPercent(price) >= pos.StopLossPercent {
		return m.executeStopLoss(ctx, pos, price)
	}

	return m.executeTakeProfit(ctx, pos, price)
}

// currentPrice fetches the ticker through the guarded gateway, caching the
// result; on gateway failure the last cached price is used when available.
func (m *Manager) currentPrice(ctx context.Context, symbol string) (float64, error) {
	ticker, err := m.gateway.GetSymbolTicker(ctx, symbol)
	if err == nil {
		if m.prices != nil {
			if cacheErr := m.prices.SetPrice(ctx, symbol, ticker.Price, ticker.Ts); cacheErr != nil {
				m.logger.Debug("price cache update failed", slog.String("error", cacheErr.Error()))
			}
		}
		return ticker.Price, nil
	}

	if m.prices != nil {
		if cached, _, cacheErr := m.prices.GetPrice(ctx, symbol); cacheErr == nil {
			m.logger.Warn("using cached price after gateway failure",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			return cached, nil
		}
	}
	return 0, err
}

// executeStopLoss sells the full remaining quantity and completes the
// position.
func (m *Manager) executeStopLoss(ctx context.Context, pos domain.ActivePosition, price float64) error {
	result, err := m.gateway.PlaceOrder(ctx, domain.OrderParams{
		Symbol:   pos.Symbol,
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeMarket,
		Quantity: pos.Quantity,
	})
	if err != nil {
		return err
	}

	fillPrice := result.FilledPrice
	if fillPrice <= 0 {
		fillPrice = price
	}

	m.logger.Warn("stop-loss executed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("loss_percent", pos.LossPercent(fillPrice)),
		slog.Float64("quantity", pos.Quantity),
	)

	m.persistExecution(ctx, domain.ExitExecution{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Kind:       domain.ExitKindStopLoss,
		Price:      fillPrice,
		Quantity:   pos.Quantity,
		Profit:     pos.Quantity * (fillPrice - pos.EntryPrice),
		ExecutedAt: time.Now().UTC(),
	})

	if err := m.positions.MarkCompleted(ctx, pos.ID); err != nil {
		m.logger.Error("mark completed failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// executeTakeProfit finds the highest reached exit level and sells that
// level's percentage of the quantity.
func (m *Manager) executeTakeProfit(ctx context.Context, pos domain.ActivePosition, price float64) error {
	strategy, err := m.strategies.GetByName(ctx, pos.ExitStrategy)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	level, found := highestReachedLevel(strategy, pos.EntryPrice, price)
	if !found {
		return nil
	}

	sellQty := pos.Quantity * level.SellPercentage / 100
	if sellQty > pos.Quantity {
		sellQty = pos.Quantity
	}

	result, err := m.gateway.PlaceOrder(ctx, domain.OrderParams{
		Symbol:   pos.Symbol,
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeMarket,
		Quantity: sellQty,
	})
	if err != nil {
		return err
	}

	fillPrice := result.FilledPrice
	if fillPrice <= 0 {
		fillPrice = price
	}

	remaining := pos.Quantity - sellQty
	m.logger.Info("take-profit executed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("multiplier", level.TargetMultiplier),
		slog.Float64("quantity", sellQty),
		slog.Float64("remaining", remaining),
	)

	m.persistExecution(ctx, domain.ExitExecution{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Kind:       domain.ExitKindTakeProfit,
		Price:      fillPrice,
		Quantity:   sellQty,
		Profit:     sellQty * (fillPrice - pos.EntryPrice),
		ExecutedAt: time.Now().UTC(),
	})

	if remaining < m.cfg.MinResidualQuantity {
		if err := m.positions.MarkCompleted(ctx, pos.ID); err != nil {
			m.logger.Error("mark completed failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	if err := m.positions.UpdateQuantity(ctx, pos.ID, remaining); err != nil {
		m.logger.Error("quantity update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// persistExecution inserts the exit record. Persistence failure is logged,
// never propagated: the sell already happened.
func (m *Manager) persistExecution(ctx context.Context, exec domain.ExitExecution) {
	if err := m.positions.InsertExecution(ctx, exec); err != nil {
		m.logger.Error("exit execution persistence failed",
			slog.String("position_id", exec.PositionID),
			slog.String("kind", string(exec.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// highestReachedLevel returns the exit level with the largest multiplier
// whose target price has been reached, if any.
func highestReachedLevel(strategy domain.ExitStrategy, entry, price float64) (domain.ExitLevel, bool) {
	var best domain.ExitLevel
	found := false
	for _, lvl := range strategy.Levels {
		if price >= entry*(1+lvl.TargetMultiplier) {
			if !found || lvl.TargetMultiplier > best.TargetMultiplier {
				best = lvl
				found = true
			}
		}
	}
	return best, found
}
