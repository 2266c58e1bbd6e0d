package domain

import "time"

// PhaseExecutionRecord is the audit trail entry for one executed exit phase.
// Records are immutable once appended to the executor history; only the
// Persisted flag flips, and only from false to true on a confirmed durable
// insert.
type PhaseExecutionRecord struct {
	ID             string
	PositionID     string
	Phase          int
	ExecutionPrice float64
	Amount         float64
	Profit         float64
	Fees           float64
	Slippage       float64
	LatencyMs      int64
	ExecutedAt     time.Time
	Persisted      bool
}

// ExecutorSnapshot is a full export of a phase executor's state, suitable for
// persistence and later rehydration.
type ExecutorSnapshot struct {
	Symbol           string                 `json:"symbol"`
	EntryPrice       float64                `json:"entry_price"`
	OriginalPosition float64                `json:"original_position"`
	Strategy         TradingStrategy        `json:"strategy"`
	ExecutedPhases   []int                  `json:"executed_phases"`
	History          []PhaseExecutionRecord `json:"history"`
}
