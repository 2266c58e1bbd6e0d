package engine

import (
	"fmt"

	"github.com/avolkov/exitpilot/internal/domain"
)

func formatPhaseMessage(symbol string, rec domain.PhaseExecutionRecord) string {
	return fmt.Sprintf("%s phase %d sold %.4f @ %.4f (profit %.2f)",
		symbol, rec.Phase, rec.Amount, rec.ExecutionPrice, rec.Profit)
}

func formatCompleteMessage(symbol string, s Summary) string {
	return fmt.Sprintf("%s: %d/%d phases done, realized %.2f, remaining %.4f",
		symbol, s.ExecutedPhases, s.TotalPhases, s.RealizedProfit, s.RemainingPosition)
}
