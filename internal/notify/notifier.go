// Package notify delivers operator notifications for trading and safety
// events over chat webhooks. Routine events pass through a configurable
// filter keyed by domain.NotifyEvent; emergencies bypass it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avolkov/exitpilot/internal/domain"
)

// Sender delivers a single formatted message over one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every configured sender. An empty
// filter admits every event.
type Notifier struct {
	senders []Sender
	allowed map[domain.NotifyEvent]bool
	logger  *slog.Logger
}

// NewNotifier builds a Notifier delivering to senders. events is the raw
// configured filter list; entries are trimmed and matched against the
// event names in the domain package.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.NotifyEvent]bool, len(events))
	for _, e := range events {
		allowed[domain.NotifyEvent(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers title and message to every sender if event passes the
// configured filter. A filtered event is not an error.
func (n *Notifier) Notify(ctx context.Context, event domain.NotifyEvent, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(event)),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers to every sender regardless of the filter. Emergency
// paths use this so a narrow filter never mutes them.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender even when an earlier one fails and joins
// the per-sender failures into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
