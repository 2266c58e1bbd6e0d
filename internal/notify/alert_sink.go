package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/avolkov/exitpilot/internal/domain"
)

// AlertSink adapts the Notifier to the safety monitor's sink interface.
// Alerts and emergency action outcomes are formatted into operator-readable
// messages and dispatched under severity-tagged event types, so the event
// filter can route e.g. only critical traffic to a paging channel.
type AlertSink struct {
	notifier *Notifier
}

// NewAlertSink wraps the given notifier.
func NewAlertSink(notifier *Notifier) *AlertSink {
	return &AlertSink{notifier: notifier}
}

// NotifyAlert delivers one safety alert. Emergency-severity alerts bypass
// the event filter.
func (s *AlertSink) NotifyAlert(ctx context.Context, alert domain.SafetyAlert) error {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Kind)
	message := fmt.Sprintf("%s\nTriggered: %s",
		alert.Message, alert.TriggeredAt.Format("2006-01-02 15:04:05 MST"))

	if alert.Severity == domain.SeverityEmergency {
		return s.notifier.NotifyAll(ctx, title, message)
	}
	return s.notifier.Notify(ctx, domain.EventSafetyAlert, title, message)
}

// NotifyAction reports the outcome of one emergency action. Failures bypass
// the event filter so a half-finished emergency response is never silent.
func (s *AlertSink) NotifyAction(ctx context.Context, action domain.EmergencyAction) error {
	title := fmt.Sprintf("Emergency action: %s", action.Type)
	message := fmt.Sprintf("%s\nResult: %s", action.Description, action.Result)
	if action.Error != "" {
		message += "\nError: " + action.Error
	}

	if action.Result == domain.ActionResultFailed {
		return s.notifier.NotifyAll(ctx, title, message)
	}
	return s.notifier.Notify(ctx, domain.EventEmergencyAction, title, message)
}

var _ domain.AlertSink = (*AlertSink)(nil)
