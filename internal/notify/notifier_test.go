package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	title   string
	message string
}

type fakeSender struct {
	name string
	err  error
	sent []sent
}

func (s *fakeSender) Send(ctx context.Context, title, message string) error {
	s.sent = append(s.sent, sent{title, message})
	return s.err
}

func (s *fakeSender) Name() string { return s.name }

func TestNotifyFiltersEvents(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{string(domain.EventPhaseExecuted)}, testLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, domain.EventPhaseExecuted, "Phase 1", "sold"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := n.Notify(ctx, domain.EventOrderFailed, "Order", "rejected"); err != nil {
		t.Fatalf("notify filtered event: %v", err)
	}

	if len(sender.sent) != 1 || sender.sent[0].title != "Phase 1" {
		t.Fatalf("sent = %+v, want only the allowed event", sender.sent)
	}
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, testLogger())

	if err := n.Notify(context.Background(), domain.NotifyEvent("anything"), "T", "M"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatal("event dropped with no filter configured")
	}
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{string(domain.EventPhaseExecuted)}, testLogger())

	if err := n.NotifyAll(context.Background(), "Emergency", "halt"); err != nil {
		t.Fatalf("notify all: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatal("NotifyAll must ignore the event filter")
	}
}

func TestDispatchCollectsSenderErrors(t *testing.T) {
	broken := &fakeSender{name: "telegram", err: errors.New("api down")}
	healthy := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{broken, healthy}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "T", "M")
	if err == nil {
		t.Fatal("expected combined error from failing sender")
	}
	if !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("err = %v, want failing sender named", err)
	}
	if !errors.Is(err, broken.err) {
		t.Fatalf("err = %v, want sender error wrapped", err)
	}
	// The failure did not block delivery to the other channel.
	if len(healthy.sent) != 1 {
		t.Fatal("healthy sender skipped after another failed")
	}
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	if err := n.NotifyAll(context.Background(), "T", "M"); err != nil {
		t.Fatalf("notify with no senders: %v", err)
	}
}

func TestAlertSinkSeverityRouting(t *testing.T) {
	sender := &fakeSender{name: "test"}
	// Filter allows nothing used by the sink, so only bypassing traffic lands.
	n := NewNotifier([]Sender{sender}, []string{"unrelated"}, testLogger())
	sink := NewAlertSink(n)
	ctx := context.Background()

	warning := domain.SafetyAlert{
		Kind:        "slippage",
		Severity:    domain.SeverityWarning,
		Message:     "slippage 1.2%",
		TriggeredAt: time.Now(),
	}
	if err := sink.NotifyAlert(ctx, warning); err != nil {
		t.Fatalf("warning alert: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("filtered warning alert was delivered")
	}

	emergency := warning
	emergency.Severity = domain.SeverityEmergency
	if err := sink.NotifyAlert(ctx, emergency); err != nil {
		t.Fatalf("emergency alert: %v", err)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].title, "EMERGENCY") {
		t.Fatalf("sent = %+v, want emergency alert delivered past the filter", sender.sent)
	}
}

func TestAlertSinkFailedActionBypassesFilter(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{"unrelated"}, testLogger())
	sink := NewAlertSink(n)
	ctx := context.Background()

	ok := domain.EmergencyAction{Type: "halt_trading", Result: domain.ActionResultSuccess}
	if err := sink.NotifyAction(ctx, ok); err != nil {
		t.Fatalf("success action: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("filtered success action was delivered")
	}

	failed := domain.EmergencyAction{
		Type:   "close_position",
		Result: domain.ActionResultFailed,
		Error:  "order rejected",
	}
	if err := sink.NotifyAction(ctx, failed); err != nil {
		t.Fatalf("failed action: %v", err)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].message, "order rejected") {
		t.Fatalf("sent = %+v, want failed action delivered with its error", sender.sent)
	}
}
