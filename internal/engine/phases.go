// Package engine implements the phase-based execution engine: a pure state
// machine that tracks one open position and decides which partial exits are
// due as price moves, plus the lifecycle wrapper and the analytics derived
// from its history.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/exitpilot/internal/domain"
)

// PendingPhase is one exit the executor considers due at the current price.
// It is advisory until the caller records the actual execution.
type PendingPhase struct {
	Phase          int
	Level          domain.StrategyLevel
	TargetPrice    float64
	Amount         float64
	ExpectedProfit float64
}

// ExecutionDetails carries the observed fill quality for a recorded phase.
type ExecutionDetails struct {
	Fees      float64
	Slippage  float64
	LatencyMs int64
}

// Summary is the executor's profit view at a given price.
type Summary struct {
	RealizedProfit    float64
	UnrealizedProfit  float64
	TotalProfit       float64
	RemainingPosition float64
	ExecutedPhases    int
	TotalPhases       int
	// NextPhaseTarget is the trigger price of the lowest unexecuted level,
	// nil once the strategy is complete.
	NextPhaseTarget *float64
}

// PhaseExecutor owns the execution state for exactly one position. It is a
// single-writer state machine: concurrent price updates for the same
// position must be serialized by the caller; there is no internal lock.
type PhaseExecutor struct {
	positionID string
	symbol     string
	strategy   domain.TradingStrategy
	entryPrice float64
	original   float64

	executed map[int]bool
	history  []domain.PhaseExecutionRecord

	records domain.PhaseRecordStore
	logger  *slog.Logger
}

// NewPhaseExecutor creates a fresh executor for an opened position. records
// may be nil, in which case every record stays Persisted=false until a later
// flush.
func NewPhaseExecutor(
	symbol string,
	entryPrice, originalPosition float64,
	strategy domain.TradingStrategy,
	records domain.PhaseRecordStore,
	logger *slog.Logger,
) *PhaseExecutor {
	return &PhaseExecutor{
		positionID: uuid.New().String(),
		symbol:     symbol,
		strategy:   strategy,
		entryPrice: entryPrice,
		original:   originalPosition,
		executed:   make(map[int]bool),
		records:    records,
		logger:     logger.With(slog.String("component", "phase_executor"), slog.String("symbol", symbol)),
	}
}

// ExecutePhases returns the phases due at currentPrice, ascending by phase
// number, capped at maxPhases (0 means no cap). The call is read-only.
func (pe *PhaseExecutor) ExecutePhases(currentPrice float64, maxPhases int) []PendingPhase {
	if pe.entryPrice <= 0 {
		return nil
	}
	ratio := currentPrice / pe.entryPrice

	var due []PendingPhase
	for i, lvl := range pe.strategy.Levels {
		phase := i + 1
		if pe.executed[phase] {
			continue
		}
		if ratio < 1+lvl.Multiplier {
			continue
		}
		amount := pe.original * lvl.SellPercentage / 100
		due = append(due, PendingPhase{
			Phase:          phase,
			Level:          lvl,
			TargetPrice:    lvl.TargetPrice(pe.entryPrice),
			Amount:         amount,
			ExpectedProfit: amount * (currentPrice - pe.entryPrice),
		})
		if maxPhases > 0 && len(due) >= maxPhases {
			break
		}
	}
	return due
}

// RecordPhaseExecution marks phase as executed and appends its history
// record with profit = amount*(price-entry) - fees. Durable persistence is
// best-effort: a failed insert is logged and the record stays unpersisted;
// in-memory state remains authoritative.
func (pe *PhaseExecutor) RecordPhaseExecution(ctx context.Context, phase int, price, amount float64, details ExecutionDetails) domain.PhaseExecutionRecord {
	rec := domain.PhaseExecutionRecord{
		ID:             uuid.New().String(),
		PositionID:     pe.positionID,
		Phase:          phase,
		ExecutionPrice: price,
		Amount:         amount,
		Profit:         amount*(price-pe.entryPrice) - details.Fees,
		Fees:           details.Fees,
		Slippage:       details.Slippage,
		LatencyMs:      details.LatencyMs,
		ExecutedAt:     time.Now().UTC(),
	}

	pe.executed[phase] = true

	if pe.records != nil {
		if err := pe.records.Insert(ctx, rec); err != nil {
			pe.logger.Warn("phase record persistence failed, keeping in memory",
				slog.Int("phase", phase),
				slog.String("error", err.Error()),
			)
		} else {
			rec.Persisted = true
		}
	}

	pe.history = append(pe.history, rec)

	pe.logger.Info("phase executed",
		slog.Int("phase", phase),
		slog.Float64("price", price),
		slog.Float64("amount", amount),
		slog.Float64("profit", rec.Profit),
	)
	return rec
}

// CalculateSummary derives the profit view at currentPrice.
func (pe *PhaseExecutor) CalculateSummary(currentPrice float64) Summary {
	s := Summary{
		RemainingPosition: pe.original,
		ExecutedPhases:    len(pe.executed),
		TotalPhases:       len(pe.strategy.Levels),
	}
	for _, rec := range pe.history {
		s.RealizedProfit += rec.Profit
		s.RemainingPosition -= rec.Amount
	}
	if s.RemainingPosition < 0 {
		s.RemainingPosition = 0
	}
	s.UnrealizedProfit = s.RemainingPosition * (currentPrice - pe.entryPrice)
	s.TotalProfit = s.RealizedProfit + s.UnrealizedProfit

	for i, lvl := range pe.strategy.Levels {
		if !pe.executed[i+1] {
			target := lvl.TargetPrice(pe.entryPrice)
			s.NextPhaseTarget = &target
			break
		}
	}
	return s
}

// IsComplete reports whether every strategy level has executed.
func (pe *PhaseExecutor) IsComplete() bool {
	return len(pe.executed) == len(pe.strategy.Levels)
}

// History returns the append-only execution history. The returned slice
// must not be mutated by callers.
func (pe *PhaseExecutor) History() []domain.PhaseExecutionRecord {
	return pe.history
}

// MarkPersisted flips the Persisted flag of the record with the given ID.
// Used by the reconciliation flush after a successful re-insert.
func (pe *PhaseExecutor) MarkPersisted(recordID string) {
	for i := range pe.history {
		if pe.history[i].ID == recordID {
			pe.history[i].Persisted = true
			return
		}
	}
}

// TrimHistory keeps only the newest keep records and returns the trimmed
// prefix, oldest first, so the caller can archive it.
func (pe *PhaseExecutor) TrimHistory(keep int) []domain.PhaseExecutionRecord {
	if keep < 0 || len(pe.history) <= keep {
		return nil
	}
	cut := len(pe.history) - keep
	trimmed := make([]domain.PhaseExecutionRecord, cut)
	copy(trimmed, pe.history[:cut])
	pe.history = append(pe.history[:0], pe.history[cut:]...)
	return trimmed
}

// ExportState snapshots the executor for persistence or rehydration.
func (pe *PhaseExecutor) ExportState() domain.ExecutorSnapshot {
	phases := make([]int, 0, len(pe.executed))
	for p := range pe.executed {
		phases = append(phases, p)
	}
	sort.Ints(phases)

	history := make([]domain.PhaseExecutionRecord, len(pe.history))
	copy(history, pe.history)

	return domain.ExecutorSnapshot{
		Symbol:           pe.symbol,
		EntryPrice:       pe.entryPrice,
		OriginalPosition: pe.original,
		Strategy:         pe.strategy,
		ExecutedPhases:   phases,
		History:          history,
	}
}

// ImportState replaces the executor's state with the snapshot.
func (pe *PhaseExecutor) ImportState(snap domain.ExecutorSnapshot) {
	pe.symbol = snap.Symbol
	pe.entryPrice = snap.EntryPrice
	pe.original = snap.OriginalPosition
	pe.strategy = snap.Strategy
	pe.executed = make(map[int]bool, len(snap.ExecutedPhases))
	for _, p := range snap.ExecutedPhases {
		pe.executed[p] = true
	}
	pe.history = make([]domain.PhaseExecutionRecord, len(snap.History))
	copy(pe.history, snap.History)
}

// Symbol returns the symbol this executor trades.
func (pe *PhaseExecutor) Symbol() string { return pe.symbol }

// EntryPrice returns the position's entry price.
func (pe *PhaseExecutor) EntryPrice() float64 { return pe.entryPrice }

// Strategy returns the bound trading strategy.
func (pe *PhaseExecutor) Strategy() domain.TradingStrategy { return pe.strategy }
