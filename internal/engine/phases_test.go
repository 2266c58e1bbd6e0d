package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRecordStore is an in-memory domain.PhaseRecordStore with a failure
// switch for persistence tests.
type fakeRecordStore struct {
	inserted []domain.PhaseExecutionRecord
	failing  bool
}

func (s *fakeRecordStore) Insert(ctx context.Context, rec domain.PhaseExecutionRecord) error {
	if s.failing {
		return errors.New("store unavailable")
	}
	s.inserted = append(s.inserted, rec)
	return nil
}

func (s *fakeRecordStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.PhaseExecutionRecord, error) {
	return nil, nil
}

func (s *fakeRecordStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PhaseExecutionRecord, error) {
	var out []domain.PhaseExecutionRecord
	for _, rec := range s.inserted {
		if rec.ExecutedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func twoLevelStrategy() domain.TradingStrategy {
	return domain.TradingStrategy{
		Name: "two_level",
		Levels: []domain.StrategyLevel{
			{Multiplier: 0.10, SellPercentage: 50},
			{Multiplier: 0.20, SellPercentage: 50},
		},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExecutePhasesTriggersInOrder(t *testing.T) {
	store := &fakeRecordStore{}
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), store, testLogger())
	ctx := context.Background()

	if due := pe.ExecutePhases(105, 0); len(due) != 0 {
		t.Fatalf("phases due at 105 = %d, want 0", len(due))
	}

	due := pe.ExecutePhases(115, 0)
	if len(due) != 1 {
		t.Fatalf("phases due at 115 = %d, want 1", len(due))
	}
	p := due[0]
	if p.Phase != 1 || !almostEqual(p.Amount, 500) || !almostEqual(p.TargetPrice, 110) {
		t.Fatalf("phase 1 = %+v, want phase 1, amount 500, target 110", p)
	}
	if !almostEqual(p.ExpectedProfit, 7500) {
		t.Fatalf("expected profit = %v, want 7500", p.ExpectedProfit)
	}

	rec := pe.RecordPhaseExecution(ctx, 1, 115, 500, ExecutionDetails{})
	if !almostEqual(rec.Profit, 7500) {
		t.Fatalf("recorded profit = %v, want 7500", rec.Profit)
	}
	if !rec.Persisted {
		t.Fatal("record not persisted with healthy store")
	}

	if due := pe.ExecutePhases(115, 0); len(due) != 0 {
		t.Fatalf("phase 1 re-offered after execution")
	}

	due = pe.ExecutePhases(125, 0)
	if len(due) != 1 || due[0].Phase != 2 {
		t.Fatalf("phases due at 125 = %+v, want only phase 2", due)
	}
	rec = pe.RecordPhaseExecution(ctx, 2, 125, 500, ExecutionDetails{})
	if !almostEqual(rec.Profit, 12500) {
		t.Fatalf("phase 2 profit = %v, want 12500", rec.Profit)
	}

	if !pe.IsComplete() {
		t.Fatal("executor not complete after all phases")
	}
	if len(store.inserted) != 2 {
		t.Fatalf("store inserts = %d, want 2", len(store.inserted))
	}
}

func TestExecutePhasesCapsPerInvocation(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())

	due := pe.ExecutePhases(125, 1)
	if len(due) != 1 || due[0].Phase != 1 {
		t.Fatalf("capped phases = %+v, want only phase 1", due)
	}

	due = pe.ExecutePhases(125, 0)
	if len(due) != 2 || due[0].Phase != 1 || due[1].Phase != 2 {
		t.Fatalf("uncapped phases = %+v, want phases 1 and 2 ascending", due)
	}
}

func TestFeesReduceProfit(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())

	rec := pe.RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{Fees: 57.5})
	if !almostEqual(rec.Profit, 7442.5) {
		t.Fatalf("profit = %v, want 7442.5 after fees", rec.Profit)
	}
}

func TestCalculateSummary(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pe.RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{})

	s := pe.CalculateSummary(120)
	if !almostEqual(s.RealizedProfit, 7500) {
		t.Fatalf("realized = %v, want 7500", s.RealizedProfit)
	}
	if !almostEqual(s.RemainingPosition, 500) {
		t.Fatalf("remaining = %v, want 500", s.RemainingPosition)
	}
	if !almostEqual(s.UnrealizedProfit, 10000) {
		t.Fatalf("unrealized = %v, want 10000", s.UnrealizedProfit)
	}
	if !almostEqual(s.TotalProfit, 17500) {
		t.Fatalf("total = %v, want 17500", s.TotalProfit)
	}
	if s.ExecutedPhases != 1 || s.TotalPhases != 2 {
		t.Fatalf("phases = %d/%d, want 1/2", s.ExecutedPhases, s.TotalPhases)
	}
	if s.NextPhaseTarget == nil || !almostEqual(*s.NextPhaseTarget, 120) {
		t.Fatalf("next target = %v, want 120", s.NextPhaseTarget)
	}

	pe.RecordPhaseExecution(context.Background(), 2, 125, 500, ExecutionDetails{})
	s = pe.CalculateSummary(125)
	if s.NextPhaseTarget != nil {
		t.Fatalf("next target = %v after completion, want nil", *s.NextPhaseTarget)
	}
	if !almostEqual(s.RemainingPosition, 0) {
		t.Fatalf("remaining = %v after completion, want 0", s.RemainingPosition)
	}
}

func TestRecordStaysUnpersistedOnStoreFailure(t *testing.T) {
	store := &fakeRecordStore{failing: true}
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), store, testLogger())

	rec := pe.RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{})
	if rec.Persisted {
		t.Fatal("record marked persisted despite insert failure")
	}
	// Execution state advanced regardless.
	if due := pe.ExecutePhases(115, 0); len(due) != 0 {
		t.Fatal("phase re-offered after failed persistence")
	}
}

func TestStateExportImportRoundTrip(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pe.RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{Slippage: 0.1})

	snap := pe.ExportState()

	restored := NewPhaseExecutor("ETHUSDT", 1, 1, twoLevelStrategy(), nil, testLogger())
	restored.ImportState(snap)

	want := pe.CalculateSummary(125)
	got := restored.CalculateSummary(125)
	if !almostEqual(got.RealizedProfit, want.RealizedProfit) ||
		!almostEqual(got.UnrealizedProfit, want.UnrealizedProfit) ||
		!almostEqual(got.RemainingPosition, want.RemainingPosition) ||
		got.ExecutedPhases != want.ExecutedPhases {
		t.Fatalf("summary after import = %+v, want %+v", got, want)
	}
	if restored.Symbol() != "BTCUSDT" || !almostEqual(restored.EntryPrice(), 100) {
		t.Fatalf("identity not restored: %s @ %v", restored.Symbol(), restored.EntryPrice())
	}
	if due := restored.ExecutePhases(115, 0); len(due) != 0 {
		t.Fatal("executed phase re-offered after import")
	}
}

func TestTrimHistoryKeepsNewest(t *testing.T) {
	pe := NewPhaseExecutor("BTCUSDT", 100, 1000, twoLevelStrategy(), nil, testLogger())
	pe.RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{})
	pe.RecordPhaseExecution(context.Background(), 2, 125, 500, ExecutionDetails{})

	trimmed := pe.TrimHistory(1)
	if len(trimmed) != 1 || trimmed[0].Phase != 1 {
		t.Fatalf("trimmed = %+v, want oldest record (phase 1)", trimmed)
	}
	if len(pe.History()) != 1 || pe.History()[0].Phase != 2 {
		t.Fatalf("kept = %+v, want newest record (phase 2)", pe.History())
	}
	if again := pe.TrimHistory(1); again != nil {
		t.Fatalf("second trim = %+v, want nil", again)
	}
}
