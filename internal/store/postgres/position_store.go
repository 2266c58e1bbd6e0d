package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkov/exitpilot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, user_id, symbol, entry_price, quantity,
	exit_strategy, stop_loss_percent, status, created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.ActivePosition, error) {
	var p domain.ActivePosition
	var status string

	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol,
		&p.EntryPrice, &p.Quantity,
		&p.ExitStrategy, &p.StopLossPercent,
		&status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.ActivePosition{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Create inserts a new managed position.
func (s *PositionStore) Create(ctx context.Context, pos domain.ActivePosition) error {
	const query = `
		INSERT INTO active_positions (
			id, user_id, symbol, entry_price, quantity,
			exit_strategy, stop_loss_percent, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		pos.ID, pos.UserID, pos.Symbol,
		pos.EntryPrice, pos.Quantity,
		pos.ExitStrategy, pos.StopLossPercent,
		string(pos.Status), pos.CreatedAt, pos.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("postgres: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", pos.ID, err)
	}
	return nil
}

// ListActive returns positions still being managed, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.ActivePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM active_positions
		 WHERE status = 'active' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.ActivePosition
	for rows.Next() {
		var p domain.ActivePosition
		var status string
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.Symbol,
			&p.EntryPrice, &p.Quantity,
			&p.ExitStrategy, &p.StopLossPercent,
			&status, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan active position: %w", err)
		}
		p.Status = domain.PositionStatus(status)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.ActivePosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM active_positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ActivePosition{}, domain.ErrNotFound
		}
		return domain.ActivePosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// UpdateQuantity sets the remaining quantity after a partial exit.
func (s *PositionStore) UpdateQuantity(ctx context.Context, id string, quantity float64) error {
	const query = `
		UPDATE active_positions SET
			quantity   = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'`

	tag, err := s.pool.Exec(ctx, query, id, quantity)
	if err != nil {
		return fmt.Errorf("postgres: update position quantity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkCompleted ends the lifecycle of a fully exited position.
func (s *PositionStore) MarkCompleted(ctx context.Context, id string) error {
	const query = `
		UPDATE active_positions SET
			status     = 'completed',
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: mark position completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertExecution records one sell performed against a position.
func (s *PositionStore) InsertExecution(ctx context.Context, exec domain.ExitExecution) error {
	const query = `
		INSERT INTO exit_executions (
			id, position_id, kind, price, quantity, profit, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		exec.ID, exec.PositionID, string(exec.Kind),
		exec.Price, exec.Quantity, exec.Profit, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert exit execution %s: %w", exec.ID, err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
