package domain

import "fmt"

// StrategyLevel is one partial-exit rule: when price reaches
// entry*(1+Multiplier), sell SellPercentage percent of the original position.
// Levels are immutable once a strategy is constructed.
type StrategyLevel struct {
	Multiplier     float64 `toml:"multiplier"`
	SellPercentage float64 `toml:"sell_percentage"`
}

// TargetPrice returns the trigger price for this level at the given entry.
func (l StrategyLevel) TargetPrice(entryPrice float64) float64 {
	return entryPrice * (1 + l.Multiplier)
}

// TradingStrategy is an ordered sequence of exit levels, ascending by
// multiplier so that triggering order is deterministic. Phase numbers are
// 1-based indexes into Levels.
type TradingStrategy struct {
	Name   string          `toml:"name"`
	Levels []StrategyLevel `toml:"levels"`
}

// Validate checks structural invariants: at least one level, strictly
// ascending multipliers, positive sell percentages summing to at most 100.
func (s TradingStrategy) Validate() error {
	if len(s.Levels) == 0 {
		return fmt.Errorf("strategy %q: must define at least one level", s.Name)
	}
	var totalPct float64
	for i, lvl := range s.Levels {
		if lvl.Multiplier <= 0 {
			return fmt.Errorf("strategy %q: level %d multiplier must be > 0, got %v", s.Name, i+1, lvl.Multiplier)
		}
		if i > 0 && lvl.Multiplier <= s.Levels[i-1].Multiplier {
			return fmt.Errorf("strategy %q: level %d multiplier %v must exceed previous %v",
				s.Name, i+1, lvl.Multiplier, s.Levels[i-1].Multiplier)
		}
		if lvl.SellPercentage <= 0 {
			return fmt.Errorf("strategy %q: level %d sell_percentage must be > 0, got %v", s.Name, i+1, lvl.SellPercentage)
		}
		totalPct += lvl.SellPercentage
	}
	if totalPct > 100+1e-9 {
		return fmt.Errorf("strategy %q: sell percentages total %.2f%%, must not exceed 100%%", s.Name, totalPct)
	}
	return nil
}

// ExitLevel is one take-profit rule applied by the auto-exit manager to a
// persisted position.
type ExitLevel struct {
	TargetMultiplier float64
	SellPercentage   float64
}

// ExitStrategy is a named, database-driven set of take-profit levels.
type ExitStrategy struct {
	Name    string
	Levels  []ExitLevel
	Enabled bool
}
