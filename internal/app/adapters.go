package app

import (
	"context"
	"fmt"

	"github.com/avolkov/exitpilot/internal/domain"
	"github.com/avolkov/exitpilot/internal/engine"
	"github.com/avolkov/exitpilot/internal/safety"
)

// executionRiskSource adapts the analytics layer to the safety monitor's
// input. Risk metrics need a current price; the latest feed tick in the
// price cache supplies it, so a stale or empty cache makes the metrics
// unavailable for that tick rather than silently computed at a wrong price.
type executionRiskSource struct {
	analytics *engine.PerformanceAnalytics
	prices    domain.PriceCache
	symbol    string
}

var _ safety.PerformanceSource = (*executionRiskSource)(nil)

func (s *executionRiskSource) ExecutionRisk(ctx context.Context) (safety.ExecutionRisk, error) {
	price, _, err := s.prices.GetPrice(ctx, s.symbol)
	if err != nil {
		return safety.ExecutionRisk{}, fmt.Errorf("app: current price for %s: %w", s.symbol, err)
	}
	m := s.analytics.GetRiskMetrics(price)
	return safety.ExecutionRisk{
		DrawdownPercent:    m.CurrentDrawdown,
		SuccessRate:        m.SuccessRate,
		ConsecutiveLosses:  m.ConsecutiveLosses,
		MaxSlippagePercent: m.MaxSlippage,
	}, nil
}
