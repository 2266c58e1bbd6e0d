package domain

import "time"

// AlertSeverity grades how urgent a safety alert is.
type AlertSeverity string

const (
	SeverityInfo      AlertSeverity = "info"
	SeverityWarning   AlertSeverity = "warning"
	SeverityCritical  AlertSeverity = "critical"
	SeverityEmergency AlertSeverity = "emergency"
)

// SafetyAlert is raised by the safety monitor when a threshold is breached.
// Exactly one alert exists per Kind until it is acknowledged; acknowledged
// alerts are purged by the cleanup tick once past retention.
type SafetyAlert struct {
	ID           string
	Kind         string
	Severity     AlertSeverity
	Message      string
	TriggeredAt  time.Time
	Acknowledged bool
}

// ActionResult is the outcome of one emergency action.
type ActionResult string

const (
	ActionResultSuccess ActionResult = "success"
	ActionResultFailed  ActionResult = "failed"
)

// EmergencyAction captures one step of an emergency response for audit.
// Actions are transient: produced only while a response runs, retained in
// memory afterwards.
type EmergencyAction struct {
	Type        string
	Description string
	Executed    bool
	Result      ActionResult
	Error       string
}

// SafetyStatus is the monitor's overall assessment, derived each tick from
// the weighted risk score.
type SafetyStatus string

const (
	StatusSafe      SafetyStatus = "safe"
	StatusWarning   SafetyStatus = "warning"
	StatusCritical  SafetyStatus = "critical"
	StatusEmergency SafetyStatus = "emergency"
)

// RiskMetrics is a fresh, non-persisted snapshot computed each monitoring
// tick. Scores are in [0, 100]; higher means riskier.
type RiskMetrics struct {
	PortfolioRisk    float64
	PerformanceRisk  float64
	PatternRisk      float64
	SystemRisk       float64
	OverallRiskScore float64
	ComputedAt       time.Time
}
