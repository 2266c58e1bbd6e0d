package engine

import (
	"context"
	"testing"

	"github.com/avolkov/exitpilot/internal/domain"
)

func TestInitializePositionValidation(t *testing.T) {
	pm := NewPositionManager(twoLevelStrategy(), nil, testLogger())

	if err := pm.InitializePosition("BTCUSDT", 0, 10); err == nil {
		t.Fatal("want error for zero entry price")
	}
	if err := pm.InitializePosition("BTCUSDT", 100, -1); err == nil {
		t.Fatal("want error for negative amount")
	}
	if pm.Executor() != nil {
		t.Fatal("executor created despite invalid input")
	}

	if err := pm.InitializePosition("BTCUSDT", 100, 10); err != nil {
		t.Fatalf("valid init: %v", err)
	}
	if pm.Executor() == nil {
		t.Fatal("executor nil after init")
	}
}

func TestInitializePositionDiscardsHistory(t *testing.T) {
	pm := NewPositionManager(twoLevelStrategy(), nil, testLogger())
	if err := pm.InitializePosition("BTCUSDT", 100, 1000); err != nil {
		t.Fatal(err)
	}
	pm.Executor().RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{})

	if err := pm.InitializePosition("BTCUSDT", 110, 800); err != nil {
		t.Fatal(err)
	}
	if len(pm.Executor().History()) != 0 {
		t.Fatal("history carried over into new position")
	}
	if pm.Executor().IsComplete() {
		t.Fatal("executed phases carried over into new position")
	}
}

func TestSwitchStrategyResetsExecutor(t *testing.T) {
	pm := NewPositionManager(twoLevelStrategy(), nil, testLogger())
	if err := pm.InitializePosition("BTCUSDT", 100, 1000); err != nil {
		t.Fatal(err)
	}
	pm.Executor().RecordPhaseExecution(context.Background(), 1, 115, 500, ExecutionDetails{})

	single := domain.TradingStrategy{
		Name:   "single",
		Levels: []domain.StrategyLevel{{Multiplier: 0.30, SellPercentage: 100}},
	}
	if err := pm.SwitchStrategy(single); err != nil {
		t.Fatalf("switch: %v", err)
	}
	exec := pm.Executor()
	if len(exec.History()) != 0 {
		t.Fatal("history survived strategy switch")
	}
	if exec.Strategy().Name != "single" {
		t.Fatalf("strategy = %s, want single", exec.Strategy().Name)
	}
	// Entry and size persist across the switch.
	if !almostEqual(exec.EntryPrice(), 100) {
		t.Fatalf("entry = %v, want 100", exec.EntryPrice())
	}
}

func TestSwitchStrategyRejectsInvalid(t *testing.T) {
	pm := NewPositionManager(twoLevelStrategy(), nil, testLogger())

	bad := domain.TradingStrategy{
		Name: "bad",
		Levels: []domain.StrategyLevel{
			{Multiplier: 0.20, SellPercentage: 50},
			{Multiplier: 0.10, SellPercentage: 50}, // descending
		},
	}
	if err := pm.SwitchStrategy(bad); err == nil {
		t.Fatal("want error for descending multipliers")
	}
}

func TestHandlePartialFill(t *testing.T) {
	pm := NewPositionManager(twoLevelStrategy(), nil, testLogger())

	res := pm.HandlePartialFill("phase_sell", 9.95, 10)
	if !res.Complete {
		t.Fatalf("ratio %.3f not treated as complete", res.Ratio)
	}

	res = pm.HandlePartialFill("phase_sell", 5, 10)
	if res.Complete {
		t.Fatal("half fill treated as complete")
	}
	if !almostEqual(res.Remainder, 5) {
		t.Fatalf("remainder = %v, want 5", res.Remainder)
	}

	res = pm.HandlePartialFill("phase_sell", 5, 0)
	if res.Ratio != 0 || res.Complete {
		t.Fatalf("zero total fill result = %+v, want empty", res)
	}
}

func TestCalculateOptimalEntry(t *testing.T) {
	pm := NewPositionManager(twoLevelStrategy(), nil, testLogger())

	sug := pm.CalculateOptimalEntry("BTCUSDT", MarketConditions{
		Support:    90,
		Resistance: 110,
		Momentum:   1,
		Volume:     2_000_000,
		Volatility: 0.01,
	})
	if !almostEqual(sug.Price, 105) {
		t.Fatalf("price = %v, want 105 with full positive momentum", sug.Price)
	}
	if sug.Confidence <= 0 || sug.Confidence > 1 {
		t.Fatalf("confidence = %v, want (0, 1]", sug.Confidence)
	}

	// No usable band yields no suggestion.
	sug = pm.CalculateOptimalEntry("BTCUSDT", MarketConditions{Support: 110, Resistance: 90})
	if sug.Price != 0 || sug.Confidence != 0 {
		t.Fatalf("suggestion = %+v for inverted band, want zero", sug)
	}
}
