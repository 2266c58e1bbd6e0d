package domain

// NotifyEvent names an occurrence the notifier can be asked to announce.
// Configuration filters on these names, so every dispatch site and the
// config default list share one vocabulary.
type NotifyEvent string

const (
	// EventPhaseExecuted fires after each profit-taking phase fills.
	EventPhaseExecuted NotifyEvent = "phase_executed"
	// EventPositionComplete fires when a position has no phases left.
	EventPositionComplete NotifyEvent = "position_complete"
	// EventOrderFailed fires when an exchange order is rejected or errors.
	EventOrderFailed NotifyEvent = "order_failed"
	// EventSafetyAlert fires for non-emergency safety alerts.
	EventSafetyAlert NotifyEvent = "safety_alert"
	// EventEmergencyAction fires for each step of an emergency response.
	EventEmergencyAction NotifyEvent = "emergency_action"
)
