package domain

import "time"

// PositionStatus tracks whether an auto-exit position is still being managed.
type PositionStatus string

const (
	PositionStatusActive    PositionStatus = "active"
	PositionStatusCompleted PositionStatus = "completed"
)

// ActivePosition is a persisted position managed by the auto-exit manager.
// Its lifecycle ends (Status -> completed) once the position is fully sold,
// either by stop-loss or by exhausting the exit levels.
type ActivePosition struct {
	ID              string
	UserID          string
	Symbol          string
	EntryPrice      float64
	Quantity        float64
	ExitStrategy    string
	StopLossPercent float64
	Status          PositionStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LossPercent returns the current loss as a positive percentage of entry, or
// zero when the position is at or above entry.
func (p ActivePosition) LossPercent(currentPrice float64) float64 {
	if p.EntryPrice <= 0 || currentPrice >= p.EntryPrice {
		return 0
	}
	return (p.EntryPrice - currentPrice) / p.EntryPrice * 100
}

// ExitKind distinguishes stop-loss sells from take-profit sells.
type ExitKind string

const (
	ExitKindStopLoss   ExitKind = "stop_loss"
	ExitKindTakeProfit ExitKind = "take_profit"
)

// ExitExecution records one sell performed by the auto-exit manager.
type ExitExecution struct {
	ID         string
	PositionID string
	Kind       ExitKind
	Price      float64
	Quantity   float64
	Profit     float64
	ExecutedAt time.Time
}
