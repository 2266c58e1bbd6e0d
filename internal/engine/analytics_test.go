package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// fakeArchiver records archived batches and can be forced to fail.
type fakeArchiver struct {
	batches [][]domain.PhaseExecutionRecord
	failing bool
}

func (a *fakeArchiver) ArchiveRecords(ctx context.Context, records []domain.PhaseExecutionRecord) error {
	if a.failing {
		return errors.New("bucket unavailable")
	}
	batch := make([]domain.PhaseExecutionRecord, len(records))
	copy(batch, records)
	a.batches = append(a.batches, batch)
	return nil
}

// executorWithHistory imports n synthetic records so retention behavior can
// be tested without executing real phases.
func executorWithHistory(n int) *PhaseExecutor {
	history := make([]domain.PhaseExecutionRecord, 0, n)
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		history = append(history, domain.PhaseExecutionRecord{
			ID:             fmt.Sprintf("rec-%d", i),
			PositionID:     "pos-1",
			Phase:          1,
			ExecutionPrice: 115,
			Amount:         1,
			Profit:         15,
			ExecutedAt:     base.Add(time.Duration(i) * time.Minute),
			Persisted:      true,
		})
	}
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pe.ImportState(domain.ExecutorSnapshot{
		Symbol:           "BTCUSDT",
		EntryPrice:       100,
		OriginalPosition: 1000,
		Strategy:         twoLevelStrategy(),
		ExecutedPhases:   []int{1},
		History:          history,
	})
	return pe
}

func TestMaintenanceCleanupIdempotent(t *testing.T) {
	pe := executorWithHistory(retainedRecords + 5)
	arch := &fakeArchiver{}
	pa := NewPerformanceAnalytics(pe, nil, arch, 10, testLogger())
	ctx := context.Background()

	report := pa.PerformMaintenanceCleanup(ctx)
	if report.RecordsTrimmed != 5 {
		t.Fatalf("trimmed = %d, want 5", report.RecordsTrimmed)
	}
	if report.BytesFreed == 0 {
		t.Fatal("bytes freed = 0, want estimate > 0")
	}
	if len(arch.batches) != 1 || len(arch.batches[0]) != 5 {
		t.Fatalf("archived batches = %v, want one batch of 5", len(arch.batches))
	}
	// Oldest records go to the archive.
	if arch.batches[0][0].ID != "rec-0" {
		t.Fatalf("first archived = %s, want rec-0", arch.batches[0][0].ID)
	}

	report = pa.PerformMaintenanceCleanup(ctx)
	if report.RecordsTrimmed != 0 {
		t.Fatalf("second cleanup trimmed = %d, want 0", report.RecordsTrimmed)
	}
}

func TestMaintenanceCleanupSurvivesArchiveFailure(t *testing.T) {
	pe := executorWithHistory(retainedRecords + 3)
	pa := NewPerformanceAnalytics(pe, nil, &fakeArchiver{failing: true}, 10, testLogger())

	report := pa.PerformMaintenanceCleanup(context.Background())
	if report.RecordsTrimmed != 3 {
		t.Fatalf("trimmed = %d, want 3 despite archive failure", report.RecordsTrimmed)
	}
	if len(pe.History()) != retainedRecords {
		t.Fatalf("history = %d, want %d", len(pe.History()), retainedRecords)
	}
}

func TestFlushPendingReconciles(t *testing.T) {
	store := &fakeRecordStore{failing: true}
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), store, testLogger())
	pa := NewPerformanceAnalytics(pe, store, nil, 10, testLogger())
	ctx := context.Background()

	pe.RecordPhaseExecution(ctx, 1, 115, 500, ExecutionDetails{})
	pending := pa.GetPendingPersistenceOperations()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 after failed insert", len(pending))
	}

	// Store still failing: flush makes no progress and keeps the record.
	if flushed := pa.FlushPending(ctx); flushed != 0 {
		t.Fatalf("flushed = %d with failing store, want 0", flushed)
	}

	store.failing = false
	if flushed := pa.FlushPending(ctx); flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}
	if len(pa.GetPendingPersistenceOperations()) != 0 {
		t.Fatal("record still pending after successful flush")
	}
	if len(store.inserted) != 1 {
		t.Fatalf("store inserts = %d, want 1", len(store.inserted))
	}
}

func TestGetRiskMetrics(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pa := NewPerformanceAnalytics(pe, nil, nil, 10, testLogger())

	m := pa.GetRiskMetrics(90)
	if !almostEqual(m.CurrentDrawdown, 10) {
		t.Fatalf("drawdown = %v at 90, want 10", m.CurrentDrawdown)
	}
	if !almostEqual(m.RiskRewardRatio, 2) {
		t.Fatalf("risk/reward = %v, want 2 (best level 20%% vs 10%% stop)", m.RiskRewardRatio)
	}
	if !almostEqual(m.SuccessRate, 100) {
		t.Fatalf("success rate = %v with no history, want 100", m.SuccessRate)
	}

	// One profitable, then two losing executions.
	pe.RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{Slippage: 0.3})
	pe.RecordPhaseExecution(context.Background(), 2, 95, 100, ExecutionDetails{Slippage: 0.8})
	pe.RecordPhaseExecution(context.Background(), 2, 94, 100, ExecutionDetails{Slippage: 0.1})

	m = pa.GetRiskMetrics(110)
	if m.ConsecutiveLosses != 2 {
		t.Fatalf("consecutive losses = %d, want 2", m.ConsecutiveLosses)
	}
	if !almostEqual(m.SuccessRate, 100.0/3) {
		t.Fatalf("success rate = %v, want one third", m.SuccessRate)
	}
	if !almostEqual(m.MaxSlippage, 0.8) {
		t.Fatalf("max slippage = %v, want 0.8", m.MaxSlippage)
	}
	if m.CurrentDrawdown != 0 {
		t.Fatalf("drawdown = %v above entry, want 0", m.CurrentDrawdown)
	}
}

func TestPerformanceSummaryBestWorst(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pa := NewPerformanceAnalytics(pe, nil, nil, 10, testLogger())
	ctx := context.Background()

	pe.RecordPhaseExecution(ctx, 1, 115, 500, ExecutionDetails{}) // +7500
	pe.RecordPhaseExecution(ctx, 2, 95, 100, ExecutionDetails{})  // -500

	s := pa.GetPerformanceSummary(100)
	if s.BestPhase == nil || !almostEqual(s.BestPhase.Profit, 7500) {
		t.Fatalf("best phase = %+v, want profit 7500", s.BestPhase)
	}
	if s.WorstPhase == nil || !almostEqual(s.WorstPhase.Profit, -500) {
		t.Fatalf("worst phase = %+v, want profit -500", s.WorstPhase)
	}
	if !almostEqual(s.Efficiency, 50) {
		t.Fatalf("efficiency = %v, want 50", s.Efficiency)
	}
}

func TestRebind(t *testing.T) {
	first := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pa := NewPerformanceAnalytics(first, nil, nil, 10, testLogger())

	second := NewPhaseExecutor("ETHUSDT", 50, 100, twoLevelStrategy(), nil, testLogger())
	pa.Rebind(second)

	m := pa.GetRiskMetrics(45)
	if !almostEqual(m.CurrentDrawdown, 10) {
		t.Fatalf("drawdown = %v against rebound executor, want 10", m.CurrentDrawdown)
	}
}
