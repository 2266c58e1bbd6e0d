package engine

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/avolkov/exitpilot/internal/domain"
)

// fullFillRatio is the fill ratio above which a partial fill is treated as
// complete rather than left for reconciliation.
const fullFillRatio = 0.99

// MarketConditions are the advisory inputs to entry calculation.
type MarketConditions struct {
	Volatility float64 // recent price volatility, fraction (0.02 = 2%)
	Volume     float64 // 24h quote volume
	Momentum   float64 // signed momentum indicator in [-1, 1]
	Support    float64 // nearest support price
	Resistance float64 // nearest resistance price
}

// EntrySuggestion is the advisory output of CalculateOptimalEntry.
type EntrySuggestion struct {
	Price      float64
	Confidence float64 // [0, 1]
}

// FillResult reports how a partial fill was resolved.
type FillResult struct {
	Action    string
	Ratio     float64
	Complete  bool
	Remainder float64
}

// PositionManager wraps one PhaseExecutor with position lifecycle handling:
// initialization, strategy switching, and partial-fill reconciliation. Like
// the executor it assumes a single writer.
type PositionManager struct {
	symbol     string
	entryPrice float64
	amount     float64
	strategy   domain.TradingStrategy
	executor   *PhaseExecutor

	records domain.PhaseRecordStore
	logger  *slog.Logger
}

// NewPositionManager creates a manager with no open position. Initialize a
// position before driving price updates through it.
func NewPositionManager(strategy domain.TradingStrategy, records domain.PhaseRecordStore, logger *slog.Logger) *PositionManager {
	return &PositionManager{
		strategy: strategy,
		records:  records,
		logger:   logger.With(slog.String("component", "position_manager")),
	}
}

// CalculateOptimalEntry combines volatility, volume, momentum, and
// support/resistance into a suggested entry price with a confidence score.
// Advisory only: no state changes.
func (pm *PositionManager) CalculateOptimalEntry(symbol string, cond MarketConditions) EntrySuggestion {
	if cond.Support <= 0 || cond.Resistance <= cond.Support {
		return EntrySuggestion{}
	}

	// Anchor between support and resistance, pulled toward support when
	// momentum is negative and toward resistance when positive.
	mid := (cond.Support + cond.Resistance) / 2
	span := (cond.Resistance - cond.Support) / 2
	price := mid + span*0.5*clamp(cond.Momentum, -1, 1)

	// Confidence rises with volume and falls with volatility; a wide
	// support/resistance band also reduces it.
	confidence := 0.5
	if cond.Volume > 0 {
		confidence += 0.25 * math.Min(cond.Volume/1_000_000, 1)
	}
	confidence -= math.Min(cond.Volatility*5, 0.4)
	bandWidth := (cond.Resistance - cond.Support) / mid
	confidence -= math.Min(bandWidth, 0.2)
	confidence = clamp(confidence, 0, 1)

	pm.logger.Debug("entry suggestion",
		slog.String("symbol", symbol),
		slog.Float64("price", price),
		slog.Float64("confidence", confidence),
	)
	return EntrySuggestion{Price: price, Confidence: confidence}
}

// InitializePosition binds the manager to a freshly opened position and
// replaces the phase executor with fresh state. Prior execution history does
// not carry over.
func (pm *PositionManager) InitializePosition(symbol string, entryPrice, amount float64) error {
	if entryPrice <= 0 {
		return fmt.Errorf("position_manager: entry price must be > 0, got %v", entryPrice)
	}
	if amount <= 0 {
		return fmt.Errorf("position_manager: amount must be > 0, got %v", amount)
	}

	pm.symbol = symbol
	pm.entryPrice = entryPrice
	pm.amount = amount
	pm.executor = NewPhaseExecutor(symbol, entryPrice, amount, pm.strategy, pm.records, pm.logger)

	pm.logger.Info("position initialized",
		slog.String("symbol", symbol),
		slog.Float64("entry_price", entryPrice),
		slog.Float64("amount", amount),
	)
	return nil
}

// SwitchStrategy rebinds the manager to a new strategy. When a position is
// open the executor is replaced with fresh state for the same entry and
// size; execution history does not carry over.
func (pm *PositionManager) SwitchStrategy(strategy domain.TradingStrategy) error {
	if err := strategy.Validate(); err != nil {
		return fmt.Errorf("position_manager: switch strategy: %w", err)
	}
	pm.strategy = strategy
	if pm.executor != nil {
		pm.executor = NewPhaseExecutor(pm.symbol, pm.entryPrice, pm.amount, strategy, pm.records, pm.logger)
	}
	return nil
}

// HandlePartialFill resolves the fill ratio for an order: ratios at or above
// fullFillRatio count as fully filled, anything else reports the remainder
// for later reconciliation.
func (pm *PositionManager) HandlePartialFill(action string, executedAmount, totalAmount float64) FillResult {
	if totalAmount <= 0 {
		return FillResult{Action: action}
	}
	ratio := executedAmount / totalAmount
	res := FillResult{
		Action:   action,
		Ratio:    ratio,
		Complete: ratio >= fullFillRatio,
	}
	if !res.Complete {
		res.Remainder = totalAmount - executedAmount
		pm.logger.Warn("partial fill",
			slog.String("action", action),
			slog.Float64("ratio", ratio),
			slog.Float64("remainder", res.Remainder),
		)
	}
	return res
}

// Executor returns the current phase executor, nil before initialization.
func (pm *PositionManager) Executor() *PhaseExecutor { return pm.executor }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
