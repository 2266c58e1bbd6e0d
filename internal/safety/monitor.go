package safety

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/exitpilot/internal/domain"
	"github.com/avolkov/exitpilot/internal/reliability"
)

// Thresholds are the breach limits evaluated every monitoring tick.
type Thresholds struct {
	MaxDrawdownPercentage    float64
	MinSuccessRatePercentage float64
	MaxConsecutiveLosses     int
	MaxSlippagePercentage    float64
	MinPatternConfidence     float64
	MaxAPILatencyMs          float64
	MinAPISuccessRate        float64
	MaxMemoryUsagePercentage float64
}

// Config tunes the safety monitor.
type Config struct {
	MonitoringInterval  time.Duration
	RiskCheckInterval   time.Duration
	AutoActionEnabled   bool
	AlertRetentionHours int
	Thresholds          Thresholds
}

// ExecutionRisk is the execution-side input to risk aggregation, pulled
// from the analytics layer each tick.
type ExecutionRisk struct {
	DrawdownPercent    float64
	SuccessRate        float64
	ConsecutiveLosses  int
	MaxSlippagePercent float64
}

// PerformanceSource supplies execution risk. Implemented by an adapter over
// PerformanceAnalytics in the application wiring.
type PerformanceSource interface {
	ExecutionRisk(ctx context.Context) (ExecutionRisk, error)
}

// PatternSource supplies the pattern-detection confidence in [0, 1].
// Optional; a nil source contributes zero pattern risk.
type PatternSource interface {
	PatternConfidence(ctx context.Context) (float64, error)
}

// ExecutionHalter stops the execution engine from placing further orders.
type ExecutionHalter interface {
	Halt(reason string)
}

// Risk weights for the overall score.
const (
	weightPortfolio   = 0.3
	weightPerformance = 0.3
	weightPattern     = 0.2
	weightSystem      = 0.2
)

// Status boundaries on the overall risk score.
const (
	scoreWarning   = 40.0
	scoreCritical  = 60.0
	scoreEmergency = 80.0
)

// Monitor aggregates risk across execution, pattern detection, and system
// health, raises alerts on threshold breaches, and can autonomously trigger
// the emergency response. Its periodic operations run on the scheduler and
// never overlap themselves.
type Monitor struct {
	cfg       Config
	sched     *Scheduler
	perf      PerformanceSource
	pattern   PatternSource
	rel       *reliability.Manager
	halter    ExecutionHalter
	gateway   domain.ExchangeGateway
	positions domain.PositionStore
	sink      domain.AlertSink
	logger    *slog.Logger

	mu          sync.Mutex
	alerts      map[string]*domain.SafetyAlert // keyed by Kind
	status      domain.SafetyStatus
	lastMetrics domain.RiskMetrics
	actions     []domain.EmergencyAction
	responding  bool
	autoFired   bool
}

// NewMonitor creates a Monitor. pattern may be nil; positions and gateway
// are required only when the emergency response should liquidate.
func NewMonitor(
	cfg Config,
	perf PerformanceSource,
	pattern PatternSource,
	rel *reliability.Manager,
	halter ExecutionHalter,
	gateway domain.ExchangeGateway,
	positions domain.PositionStore,
	sink domain.AlertSink,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		sched:     NewScheduler(logger),
		perf:      perf,
		pattern:   pattern,
		rel:       rel,
		halter:    halter,
		gateway:   gateway,
		positions: positions,
		sink:      sink,
		logger:    logger.With(slog.String("component", "safety_monitor")),
		alerts:    make(map[string]*domain.SafetyAlert),
		status:    domain.StatusSafe,
	}
}

// Start registers the periodic operations and launches the scheduler.
func (m *Monitor) Start(ctx context.Context) {
	m.sched.AddTask("monitoring_cycle", m.cfg.MonitoringInterval, m.monitoringCycle)
	m.sched.AddTask("risk_assessment", m.cfg.RiskCheckInterval, m.riskAssessment)
	m.sched.AddTask("alert_cleanup", time.Hour, func(ctx context.Context) {
		m.cleanupAlerts()
	})
	m.sched.Start(ctx)
}

// Stop halts the periodic operations; in-flight ticks run to completion.
func (m *Monitor) Stop() {
	m.sched.Stop()
}

// Status returns the monitor's current overall assessment.
func (m *Monitor) Status() domain.SafetyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RiskMetrics returns the snapshot computed by the last risk assessment.
func (m *Monitor) RiskMetrics() domain.RiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMetrics
}

// ActiveAlerts returns all current alerts, oldest first.
func (m *Monitor) ActiveAlerts() []domain.SafetyAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SafetyAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// EmergencyActions returns the audit trail of all emergency actions taken.
func (m *Monitor) EmergencyActions() []domain.EmergencyAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EmergencyAction, len(m.actions))
	copy(out, m.actions)
	return out
}

// IsSystemSafe evaluates every threshold against fresh inputs and reports
// true only when none is breached.
func (m *Monitor) IsSystemSafe(ctx context.Context) bool {
	return len(m.breaches(ctx)) == 0
}

// AcknowledgeAlert marks the alert with the given ID acknowledged. Returns
// ErrNotFound for unknown IDs.
func (m *Monitor) AcknowledgeAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return nil
		}
	}
	return domain.ErrNotFound
}

// ClearAcknowledgedAlerts removes every acknowledged alert regardless of
// age and returns how many were removed.
func (m *Monitor) ClearAcknowledgedAlerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for kind, a := range m.alerts {
		if a.Acknowledged {
			delete(m.alerts, kind)
			removed++
		}
	}
	return removed
}

// breach is one threshold violation found during a check.
type breach struct {
	kind     string
	severity domain.AlertSeverity
	message  string
}

// breaches gathers fresh inputs and evaluates every configured threshold.
func (m *Monitor) breaches(ctx context.Context) []breach {
	var out []breach
	t := m.cfg.Thresholds

	if m.perf != nil {
		risk, err := m.perf.ExecutionRisk(ctx)
		if err != nil {
			m.logger.Warn("execution risk unavailable", slog.String("error", err.Error()))
		} else {
			if t.MaxDrawdownPercentage > 0 && risk.DrawdownPercent > t.MaxDrawdownPercentage {
				out = append(out, breach{"drawdown", domain.SeverityCritical,
					fmt.Sprintf("drawdown %.2f%% exceeds max %.2f%%", risk.DrawdownPercent, t.MaxDrawdownPercentage)})
			}
			if t.MinSuccessRatePercentage > 0 && risk.SuccessRate < t.MinSuccessRatePercentage {
				out = append(out, breach{"success_rate", domain.SeverityWarning,
					fmt.Sprintf("success rate %.2f%% below min %.2f%%", risk.SuccessRate, t.MinSuccessRatePercentage)})
			}
			if t.MaxConsecutiveLosses > 0 && risk.ConsecutiveLosses >= t.MaxConsecutiveLosses {
				out = append(out, breach{"consecutive_losses", domain.SeverityCritical,
					fmt.Sprintf("%d consecutive losses reached limit %d", risk.ConsecutiveLosses, t.MaxConsecutiveLosses)})
			}
			if t.MaxSlippagePercentage > 0 && risk.MaxSlippagePercent > t.MaxSlippagePercentage {
				out = append(out, breach{"slippage", domain.SeverityWarning,
					fmt.Sprintf("slippage %.2f%% exceeds max %.2f%%", risk.MaxSlippagePercent, t.MaxSlippagePercentage)})
			}
		}
	}

	if m.pattern != nil && t.MinPatternConfidence > 0 {
		conf, err := m.pattern.PatternConfidence(ctx)
		if err == nil && conf < t.MinPatternConfidence {
			out = append(out, breach{"pattern_confidence", domain.SeverityWarning,
				fmt.Sprintf("pattern confidence %.2f below min %.2f", conf, t.MinPatternConfidence)})
		}
	}

	if m.rel != nil {
		stats := m.rel.Stats()
		if t.MaxAPILatencyMs > 0 && stats.AvgLatencyMs > t.MaxAPILatencyMs {
			out = append(out, breach{"api_latency", domain.SeverityWarning,
				fmt.Sprintf("average API latency %.0fms exceeds max %.0fms", stats.AvgLatencyMs, t.MaxAPILatencyMs)})
		}
		if t.MinAPISuccessRate > 0 && stats.TotalCalls > 0 && stats.SuccessRate < t.MinAPISuccessRate {
			out = append(out, breach{"api_success_rate", domain.SeverityCritical,
				fmt.Sprintf("API success rate %.2f%% below min %.2f%%", stats.SuccessRate, t.MinAPISuccessRate)})
		}
	}

	if t.MaxMemoryUsagePercentage > 0 {
		if usage := memoryUsagePercent(); usage > t.MaxMemoryUsagePercentage {
			out = append(out, breach{"memory", domain.SeverityWarning,
				fmt.Sprintf("heap usage %.1f%% exceeds max %.1f%%", usage, t.MaxMemoryUsagePercentage)})
		}
	}

	return out
}

// monitoringCycle is the main periodic operation: evaluate thresholds,
// raise alerts, and trigger the emergency response when warranted.
func (m *Monitor) monitoringCycle(ctx context.Context) {
	breaches := m.breaches(ctx)
	for _, b := range breaches {
		m.raiseAlert(ctx, b)
	}

	m.mu.Lock()
	status := m.status
	fire := status == domain.StatusEmergency && m.cfg.AutoActionEnabled && !m.autoFired
	if fire {
		// One automatic response per emergency episode. The latch clears
		// when the risk assessment drops back below emergency.
		m.autoFired = true
	}
	m.mu.Unlock()

	if fire {
		m.TriggerEmergencyResponse(ctx, "risk score crossed emergency boundary")
	}
}

// riskAssessment computes the weighted risk snapshot and derives the
// overall status from it.
func (m *Monitor) riskAssessment(ctx context.Context) {
	metrics := m.computeRiskMetrics(ctx)

	var status domain.SafetyStatus
	switch {
	case metrics.OverallRiskScore >= scoreEmergency:
		status = domain.StatusEmergency
	case metrics.OverallRiskScore >= scoreCritical:
		status = domain.StatusCritical
	case metrics.OverallRiskScore >= scoreWarning:
		status = domain.StatusWarning
	default:
		status = domain.StatusSafe
	}

	m.mu.Lock()
	prev := m.status
	m.status = status
	m.lastMetrics = metrics
	if status != domain.StatusEmergency {
		m.autoFired = false
	}
	m.mu.Unlock()

	if prev != status {
		m.logger.Warn("safety status changed",
			slog.String("from", string(prev)),
			slog.String("to", string(status)),
			slog.Float64("risk_score", metrics.OverallRiskScore),
		)
	}
}

// computeRiskMetrics converts the collaborator inputs into 0-100 risk
// scores and the weighted overall score.
func (m *Monitor) computeRiskMetrics(ctx context.Context) domain.RiskMetrics {
	t := m.cfg.Thresholds
	metrics := domain.RiskMetrics{ComputedAt: time.Now().UTC()}

	if m.perf != nil {
		if risk, err := m.perf.ExecutionRisk(ctx); err == nil {
			metrics.PortfolioRisk = scaleToScore(risk.DrawdownPercent, t.MaxDrawdownPercentage)

			perf := 0.0
			if t.MinSuccessRatePercentage > 0 && risk.SuccessRate < t.MinSuccessRatePercentage {
				perf = scaleToScore(t.MinSuccessRatePercentage-risk.SuccessRate, t.MinSuccessRatePercentage)
			}
			if t.MaxConsecutiveLosses > 0 {
				lossScore := scaleToScore(float64(risk.ConsecutiveLosses), float64(t.MaxConsecutiveLosses))
				if lossScore > perf {
					perf = lossScore
				}
			}
			metrics.PerformanceRisk = perf
		}
	}

	if m.pattern != nil {
		if conf, err := m.pattern.PatternConfidence(ctx); err == nil {
			metrics.PatternRisk = clampScore((1 - conf) * 100)
		}
	}

	if m.rel != nil {
		stats := m.rel.Stats()
		sys := 0.0
		if t.MaxAPILatencyMs > 0 {
			sys = scaleToScore(stats.AvgLatencyMs, t.MaxAPILatencyMs)
		}
		if stats.TotalCalls > 0 && t.MinAPISuccessRate > 0 && stats.SuccessRate < t.MinAPISuccessRate {
			failScore := scaleToScore(t.MinAPISuccessRate-stats.SuccessRate, t.MinAPISuccessRate)
			if failScore > sys {
				sys = failScore
			}
		}
		if t.MaxMemoryUsagePercentage > 0 {
			memScore := scaleToScore(memoryUsagePercent(), t.MaxMemoryUsagePercentage)
			if memScore > sys {
				sys = memScore
			}
		}
		metrics.SystemRisk = sys
	}

	metrics.OverallRiskScore = clampScore(
		metrics.PortfolioRisk*weightPortfolio +
			metrics.PerformanceRisk*weightPerformance +
			metrics.PatternRisk*weightPattern +
			metrics.SystemRisk*weightSystem)
	return metrics
}

// raiseAlert creates at most one alert per breach kind; repeat breaches of
// an unacknowledged kind are suppressed.
func (m *Monitor) raiseAlert(ctx context.Context, b breach) {
	m.mu.Lock()
	if existing, ok := m.alerts[b.kind]; ok && !existing.Acknowledged {
		m.mu.Unlock()
		return
	}
	alert := &domain.SafetyAlert{
		ID:          uuid.New().String(),
		Kind:        b.kind,
		Severity:    b.severity,
		Message:     b.message,
		TriggeredAt: time.Now().UTC(),
	}
	m.alerts[b.kind] = alert
	m.mu.Unlock()

	m.logger.Warn("safety alert raised",
		slog.String("kind", b.kind),
		slog.String("severity", string(b.severity)),
		slog.String("message", b.message),
	)
	if m.sink != nil {
		if err := m.sink.NotifyAlert(ctx, *alert); err != nil {
			m.logger.Debug("alert delivery failed", slog.String("error", err.Error()))
		}
	}
}

// cleanupAlerts purges acknowledged alerts older than the retention window.
func (m *Monitor) cleanupAlerts() {
	retention := time.Duration(m.cfg.AlertRetentionHours) * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, a := range m.alerts {
		if a.Acknowledged && a.TriggeredAt.Before(cutoff) {
			delete(m.alerts, kind)
		}
	}
}

// TriggerEmergencyResponse synchronously executes the fixed action set:
// halt the execution engine, then close every active position through the
// guarded gateway. The method never returns an error; each action's outcome
// is captured, and a failed exchange call marks that action failed without
// aborting the rest.
func (m *Monitor) TriggerEmergencyResponse(ctx context.Context, reason string) []domain.EmergencyAction {
	m.mu.Lock()
	if m.responding {
		m.mu.Unlock()
		return nil
	}
	m.responding = true
	m.status = domain.StatusEmergency
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.responding = false
		m.mu.Unlock()
	}()

	m.logger.Error("emergency response triggered", slog.String("reason", reason))

	var actions []domain.EmergencyAction

	// 1. Stop the execution engine.
	halt := domain.EmergencyAction{
		Type:        "halt_trading",
		Description: "stop active phase execution: " + reason,
	}
	if m.halter != nil {
		m.halter.Halt(reason)
		halt.Executed = true
		halt.Result = domain.ActionResultSuccess
	} else {
		halt.Result = domain.ActionResultFailed
		halt.Error = "no execution halter wired"
	}
	actions = append(actions, halt)

	// 2. Close all open positions.
	actions = append(actions, m.closeAllPositions(ctx)...)

	m.mu.Lock()
	m.actions = append(m.actions, actions...)
	m.mu.Unlock()

	for _, a := range actions {
		if m.sink != nil {
			if err := m.sink.NotifyAction(ctx, a); err != nil {
				m.logger.Debug("action notification failed", slog.String("error", err.Error()))
			}
		}
	}
	return actions
}

// closeAllPositions market-sells every active position. Failures are
// recorded per position and never abort the sweep.
func (m *Monitor) closeAllPositions(ctx context.Context) []domain.EmergencyAction {
	if m.gateway == nil || m.positions == nil {
		return []domain.EmergencyAction{{
			Type:        "close_positions",
			Description: "close all open positions",
			Result:      domain.ActionResultFailed,
			Error:       "gateway or position store not wired",
		}}
	}

	open, err := m.positions.ListActive(ctx)
	if err != nil {
		return []domain.EmergencyAction{{
			Type:        "close_positions",
			Description: "close all open positions",
			Executed:    true,
			Result:      domain.ActionResultFailed,
			Error:       fmt.Sprintf("list positions: %v", err),
		}}
	}

	actions := make([]domain.EmergencyAction, 0, len(open))
	for _, pos := range open {
		action := domain.EmergencyAction{
			Type:        "close_position",
			Description: fmt.Sprintf("market sell %s position %s (%.4f)", pos.Symbol, pos.ID, pos.Quantity),
			Executed:    true,
		}
		_, err := m.gateway.PlaceOrder(ctx, domain.OrderParams{
			Symbol:   pos.Symbol,
			Side:     domain.OrderSideSell,
			Type:     domain.OrderTypeMarket,
			Quantity: pos.Quantity,
		})
		if err != nil {
			action.Result = domain.ActionResultFailed
			action.Error = err.Error()
		} else {
			action.Result = domain.ActionResultSuccess
			if markErr := m.positions.MarkCompleted(ctx, pos.ID); markErr != nil {
				m.logger.Warn("position close persisted state update failed",
					slog.String("position_id", pos.ID),
					slog.String("error", markErr.Error()),
				)
			}
		}
		actions = append(actions, action)
	}
	return actions
}

// scaleToScore maps value/limit onto [0, 100].
func scaleToScore(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return clampScore(value / limit * 100)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// memoryUsagePercent approximates heap pressure as allocated heap over the
// total heap obtained from the OS.
func memoryUsagePercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
}
