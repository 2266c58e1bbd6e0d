package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/avolkov/exitpilot/internal/domain"
)

// retainedRecords is the retention cap applied by maintenance cleanup.
const retainedRecords = 100

// defaultStopLossPercent is assumed for risk/reward when no stop-loss is
// configured.
const defaultStopLossPercent = 10.0

// PerformanceSummary is the analytics view over recorded executions.
type PerformanceSummary struct {
	TotalPnL   float64
	Efficiency float64 // share of profitable executions, percent
	BestPhase  *domain.PhaseExecutionRecord
	WorstPhase *domain.PhaseExecutionRecord
}

// ExecutionRiskMetrics is the execution-level risk snapshot consumed by the
// safety monitor.
type ExecutionRiskMetrics struct {
	CurrentDrawdown   float64 // percent below entry, 0 when at/above entry
	RiskRewardRatio   float64
	ConsecutiveLosses int
	MaxSlippage       float64 // percent
	SuccessRate       float64 // percent
}

// CleanupReport summarizes one maintenance cleanup pass.
type CleanupReport struct {
	RecordsTrimmed int
	BytesFreed     int64
}

// Archiver uploads trimmed records to cold storage before they are dropped.
type Archiver interface {
	ArchiveRecords(ctx context.Context, records []domain.PhaseExecutionRecord) error
}

// PerformanceAnalytics derives summaries and risk metrics from a phase
// executor's state and manages history retention and persistence
// reconciliation. It reads the executor it was given; the single-writer
// rule for that executor covers analytics calls too.
type PerformanceAnalytics struct {
	executor        *PhaseExecutor
	records         domain.PhaseRecordStore
	archiver        Archiver
	stopLossPercent float64
	logger          *slog.Logger
}

// NewPerformanceAnalytics creates analytics over the given executor.
// archiver may be nil to disable cold-storage archival on cleanup.
func NewPerformanceAnalytics(
	executor *PhaseExecutor,
	records domain.PhaseRecordStore,
	archiver Archiver,
	stopLossPercent float64,
	logger *slog.Logger,
) *PerformanceAnalytics {
	if stopLossPercent <= 0 {
		stopLossPercent = defaultStopLossPercent
	}
	return &PerformanceAnalytics{
		executor:        executor,
		records:         records,
		archiver:        archiver,
		stopLossPercent: stopLossPercent,
		logger:          logger.With(slog.String("component", "analytics")),
	}
}

// Rebind points the analytics at a new executor, used after strategy
// switches and position resets.
func (pa *PerformanceAnalytics) Rebind(executor *PhaseExecutor) {
	pa.executor = executor
}

// GetPerformanceSummary computes total P&L, efficiency, and best/worst
// phases at the given price.
func (pa *PerformanceAnalytics) GetPerformanceSummary(currentPrice float64) PerformanceSummary {
	sum := pa.executor.CalculateSummary(currentPrice)
	history := pa.executor.History()

	ps := PerformanceSummary{TotalPnL: sum.TotalProfit}
	if len(history) == 0 {
		return ps
	}

	profitable := 0
	best, worst := history[0], history[0]
	for _, rec := range history {
		if rec.Profit > 0 {
			profitable++
		}
		if rec.Profit > best.Profit {
			best = rec
		}
		if rec.Profit < worst.Profit {
			worst = rec
		}
	}
	ps.Efficiency = float64(profitable) / float64(len(history)) * 100
	ps.BestPhase = &best
	ps.WorstPhase = &worst
	return ps
}

// GetRiskMetrics computes the execution-level risk snapshot at the given
// price.
func (pa *PerformanceAnalytics) GetRiskMetrics(currentPrice float64) ExecutionRiskMetrics {
	entry := pa.executor.EntryPrice()

	m := ExecutionRiskMetrics{SuccessRate: 100}
	if entry > 0 && currentPrice < entry {
		m.CurrentDrawdown = (entry - currentPrice) / entry * 100
	}

	var maxMultiplier float64
	for _, lvl := range pa.executor.Strategy().Levels {
		if lvl.Multiplier > maxMultiplier {
			maxMultiplier = lvl.Multiplier
		}
	}
	m.RiskRewardRatio = maxMultiplier * 100 / pa.stopLossPercent

	history := pa.executor.History()
	if len(history) > 0 {
		profitable := 0
		streak := 0
		for _, rec := range history {
			if rec.Profit > 0 {
				profitable++
				streak = 0
			} else {
				streak++
			}
			if rec.Slippage > m.MaxSlippage {
				m.MaxSlippage = rec.Slippage
			}
		}
		m.ConsecutiveLosses = streak
		m.SuccessRate = float64(profitable) / float64(len(history)) * 100
	}
	return m
}

// PerformMaintenanceCleanup trims history to the newest retainedRecords,
// archiving the trimmed prefix to cold storage first (best-effort), and
// reports what was freed. Running it twice in a row trims nothing the
// second time.
func (pa *PerformanceAnalytics) PerformMaintenanceCleanup(ctx context.Context) CleanupReport {
	trimmed := pa.executor.TrimHistory(retainedRecords)
	if len(trimmed) == 0 {
		return CleanupReport{}
	}

	if pa.archiver != nil {
		if err := pa.archiver.ArchiveRecords(ctx, trimmed); err != nil {
			pa.logger.Warn("archive of trimmed records failed",
				slog.Int("records", len(trimmed)),
				slog.String("error", err.Error()),
			)
		}
	}

	report := CleanupReport{
		RecordsTrimmed: len(trimmed),
		BytesFreed:     int64(len(trimmed)) * recordSizeEstimate,
	}
	pa.logger.Info("maintenance cleanup",
		slog.Int("trimmed", report.RecordsTrimmed),
		slog.Int64("bytes_freed", report.BytesFreed),
	)
	return report
}

// recordSizeEstimate approximates the in-memory footprint of one record for
// the cleanup report.
const recordSizeEstimate = 160

// GetPendingPersistenceOperations returns records whose durable insert has
// not been confirmed, oldest first.
func (pa *PerformanceAnalytics) GetPendingPersistenceOperations() []domain.PhaseExecutionRecord {
	var pending []domain.PhaseExecutionRecord
	for _, rec := range pa.executor.History() {
		if !rec.Persisted {
			pending = append(pending, rec)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ExecutedAt.Before(pending[j].ExecutedAt)
	})
	return pending
}

// FlushPending re-inserts unpersisted records and flips their Persisted
// flag on success. It returns the number flushed; insert failures leave the
// record pending for the next pass.
func (pa *PerformanceAnalytics) FlushPending(ctx context.Context) int {
	if pa.records == nil {
		return 0
	}
	flushed := 0
	for _, rec := range pa.GetPendingPersistenceOperations() {
		if err := pa.records.Insert(ctx, rec); err != nil {
			pa.logger.Warn("pending record flush failed",
				slog.String("record_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		pa.executor.MarkPersisted(rec.ID)
		flushed++
	}
	return flushed
}
