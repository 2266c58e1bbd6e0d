package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkov/exitpilot/internal/domain"
)

// PhaseRecordStore implements domain.PhaseRecordStore using PostgreSQL.
type PhaseRecordStore struct {
	pool *pgxpool.Pool
}

// NewPhaseRecordStore creates a PhaseRecordStore backed by the given pool.
func NewPhaseRecordStore(pool *pgxpool.Pool) *PhaseRecordStore {
	return &PhaseRecordStore{pool: pool}
}

const phaseRecordCols = `id, position_id, phase, execution_price, amount,
	profit, fees, slippage, latency_ms, executed_at`

func scanPhaseRecords(rows pgx.Rows) ([]domain.PhaseExecutionRecord, error) {
	var records []domain.PhaseExecutionRecord
	for rows.Next() {
		var rec domain.PhaseExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.PositionID, &rec.Phase,
			&rec.ExecutionPrice, &rec.Amount,
			&rec.Profit, &rec.Fees, &rec.Slippage,
			&rec.LatencyMs, &rec.ExecutedAt,
		); err != nil {
			return nil, err
		}
		rec.Persisted = true
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert writes one execution record. Re-inserting an existing ID is a no-op
// so that flushing pending records is idempotent.
func (s *PhaseRecordStore) Insert(ctx context.Context, rec domain.PhaseExecutionRecord) error {
	const query = `
		INSERT INTO phase_execution_records (
			id, position_id, phase, execution_price, amount,
			profit, fees, slippage, latency_ms, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.Phase,
		rec.ExecutionPrice, rec.Amount,
		rec.Profit, rec.Fees, rec.Slippage,
		rec.LatencyMs, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert phase record %s: %w", rec.ID, err)
	}
	return nil
}

// ListByPosition returns records for a position ordered by phase.
func (s *PhaseRecordStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.PhaseExecutionRecord, error) {
	query := `SELECT ` + phaseRecordCols + ` FROM phase_execution_records
		WHERE position_id = $1 ORDER BY phase ASC`
	args := []any{positionID}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list phase records: %w", err)
	}
	defer rows.Close()

	records, err := scanPhaseRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan phase records: %w", err)
	}
	return records, nil
}

// ListBefore returns records executed strictly before the cutoff, oldest
// first.
func (s *PhaseRecordStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PhaseExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+phaseRecordCols+` FROM phase_execution_records
		 WHERE executed_at < $1 ORDER BY executed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list phase records before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	records, err := scanPhaseRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan phase records: %w", err)
	}
	return records, nil
}

var _ domain.PhaseRecordStore = (*PhaseRecordStore)(nil)
