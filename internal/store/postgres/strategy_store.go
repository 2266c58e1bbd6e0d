package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkov/exitpilot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. Exit
// levels are stored as a JSONB column since they are only ever read as a
// whole.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

type exitLevelRow struct {
	TargetMultiplier float64 `json:"target_multiplier"`
	SellPercentage   float64 `json:"sell_percentage"`
}

func decodeLevels(raw []byte) ([]domain.ExitLevel, error) {
	var rows []exitLevelRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	levels := make([]domain.ExitLevel, 0, len(rows))
	for _, r := range rows {
		levels = append(levels, domain.ExitLevel{
			TargetMultiplier: r.TargetMultiplier,
			SellPercentage:   r.SellPercentage,
		})
	}
	return levels, nil
}

// GetByName retrieves a strategy definition by name.
func (s *StrategyStore) GetByName(ctx context.Context, name string) (domain.ExitStrategy, error) {
	var raw []byte
	var strat domain.ExitStrategy

	err := s.pool.QueryRow(ctx,
		`SELECT name, levels, enabled FROM exit_strategies WHERE name = $1`, name,
	).Scan(&strat.Name, &raw, &strat.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExitStrategy{}, domain.ErrNotFound
		}
		return domain.ExitStrategy{}, fmt.Errorf("postgres: get strategy %s: %w", name, err)
	}

	strat.Levels, err = decodeLevels(raw)
	if err != nil {
		return domain.ExitStrategy{}, fmt.Errorf("postgres: decode strategy %s levels: %w", name, err)
	}
	return strat, nil
}

// ListEnabled returns all enabled strategies.
func (s *StrategyStore) ListEnabled(ctx context.Context) ([]domain.ExitStrategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, levels, enabled FROM exit_strategies
		 WHERE enabled ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var strategies []domain.ExitStrategy
	for rows.Next() {
		var raw []byte
		var strat domain.ExitStrategy
		if err := rows.Scan(&strat.Name, &raw, &strat.Enabled); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		if strat.Levels, err = decodeLevels(raw); err != nil {
			return nil, fmt.Errorf("postgres: decode strategy %s levels: %w", strat.Name, err)
		}
		strategies = append(strategies, strat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan strategies: %w", err)
	}
	return strategies, nil
}

// Upsert writes a strategy definition, replacing an existing one with the
// same name. Used for seeding defaults at startup.
func (s *StrategyStore) Upsert(ctx context.Context, strat domain.ExitStrategy) error {
	rows := make([]exitLevelRow, 0, len(strat.Levels))
	for _, l := range strat.Levels {
		rows = append(rows, exitLevelRow{
			TargetMultiplier: l.TargetMultiplier,
			SellPercentage:   l.SellPercentage,
		})
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("postgres: encode strategy %s levels: %w", strat.Name, err)
	}

	const query = `
		INSERT INTO exit_strategies (name, levels, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET
			levels     = EXCLUDED.levels,
			enabled    = EXCLUDED.enabled,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, strat.Name, raw, strat.Enabled); err != nil {
		return fmt.Errorf("postgres: upsert strategy %s: %w", strat.Name, err)
	}
	return nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
