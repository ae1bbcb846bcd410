// Package notify defines the outbound notification collaborator. Actual
// email delivery is external to this service; the shipped implementation
// records the event so an operator or a relay worker can pick it up.
// Notification failures never affect validation or redemption outcomes.
package notify

import (
	"context"
	"log/slog"
)

// Event identifies the templated notification to send.
type Event string

const (
	// EventNewDevice fires when a license validates from a device it has
	// never seen before.
	EventNewDevice Event = "new_device"
	// EventDuplicateDetected fires once per newly detected concurrent-use
	// conflict, never on repeat polls.
	EventDuplicateDetected Event = "duplicate_detected"
)

// Notifier sends a templated event to the license owner.
type Notifier interface {
	Notify(ctx context.Context, email string, event Event, details map[string]string)
}

// LogNotifier records notifications through the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notify"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, email string, event Event, details map[string]string) {
	attrs := []any{
		slog.String("email", email),
		slog.String("event", string(event)),
	}
	for k, v := range details {
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.InfoContext(ctx, "notification queued", attrs...)
}

// Noop discards all notifications. Useful in tests.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, string, Event, map[string]string) {}
