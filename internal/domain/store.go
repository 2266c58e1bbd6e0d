package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PhaseRecordStore persists phase-execution records. Inserts are best-effort
// from the executor's point of view: a failed insert leaves the in-memory
// record authoritative with Persisted=false, to be flushed later.
type PhaseRecordStore interface {
	Insert(ctx context.Context, rec PhaseExecutionRecord) error
	ListByPosition(ctx context.Context, positionID string, opts ListOpts) ([]PhaseExecutionRecord, error)
	// ListBefore returns records executed strictly before the cutoff,
	// oldest first. Used by the cold-storage archiver.
	ListBefore(ctx context.Context, before time.Time) ([]PhaseExecutionRecord, error)
}

// PositionStore persists auto-exit positions and their exit executions.
type PositionStore interface {
	Create(ctx context.Context, pos ActivePosition) error
	ListActive(ctx context.Context) ([]ActivePosition, error)
	GetByID(ctx context.Context, id string) (ActivePosition, error)
	UpdateQuantity(ctx context.Context, id string, quantity float64) error
	MarkCompleted(ctx context.Context, id string) error
	InsertExecution(ctx context.Context, exec ExitExecution) error
}

// StrategyStore reads exit strategy definitions.
type StrategyStore interface {
	GetByName(ctx context.Context, name string) (ExitStrategy, error)
	ListEnabled(ctx context.Context) ([]ExitStrategy, error)
}

// PriceCache shares the latest observed price per symbol between the
// monitoring loops. It is a cache, not a source of truth: consumers fall
// back to it only when the gateway is unavailable.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// BlobWriter uploads an object to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}

// AlertSink receives safety alerts and emergency action outcomes. Delivery
// (webhook, chat) is the implementation's concern; the core only calls it at
// well-defined points and tolerates delivery failure.
type AlertSink interface {
	NotifyAlert(ctx context.Context, alert SafetyAlert) error
	NotifyAction(ctx context.Context, action EmergencyAction) error
}
