package app

import (
	"testing"

	"github.com/avolkov/exitpilot/internal/config"
)

func TestBaseAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BTCUSDT", "BTC"},
		{"ETHUSDC", "ETH"},
		{"SOLBUSD", "SOL"},
		{"ETHBTC", "ETH"},
		{"USDT", "USDT"}, // bare quote must not become empty
		{"XYZABC", "XYZABC"},
	}
	for _, tt := range tests {
		if got := baseAsset(tt.symbol); got != tt.want {
			t.Errorf("baseAsset(%s) = %s, want %s", tt.symbol, got, tt.want)
		}
	}
}

func TestTradingStrategyFromConfig(t *testing.T) {
	sc := config.StrategyConfig{
		Name: "two_level",
		Levels: []config.StrategyLevelConfig{
			{Multiplier: 0.10, SellPercentage: 50},
			{Multiplier: 0.20, SellPercentage: 50},
		},
	}
	strategy, err := tradingStrategyFromConfig(sc)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if strategy.Name != "two_level" || len(strategy.Levels) != 2 {
		t.Fatalf("strategy = %+v", strategy)
	}
	if strategy.Levels[1].Multiplier != 0.20 {
		t.Fatalf("level 2 = %+v", strategy.Levels[1])
	}

	sc.Levels[1].Multiplier = 0.05 // below level 1
	if _, err := tradingStrategyFromConfig(sc); err == nil {
		t.Fatal("descending multipliers accepted")
	}
}

func TestExitStrategyFromConfig(t *testing.T) {
	sc := config.StrategyConfig{
		Name: "ladder",
		Levels: []config.StrategyLevelConfig{
			{Multiplier: 0.15, SellPercentage: 40},
		},
	}
	es := exitStrategyFromConfig(sc)
	if es.Name != "ladder" || !es.Enabled {
		t.Fatalf("strategy = %+v", es)
	}
	if len(es.Levels) != 1 || es.Levels[0].TargetMultiplier != 0.15 || es.Levels[0].SellPercentage != 40 {
		t.Fatalf("levels = %+v", es.Levels)
	}
}
