package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	KindSessionStarted    = "session.started"
	KindSessionEnded      = "session.ended"
	KindSessionForceEnded = "session.force_ended"
	// KindRailDivergence fires when a session ended locally but its rail
	// flow could not be closed.
	KindRailDivergence = "rail.divergence"
	KindRefundIssued   = "refund.issued"
)

// Message describes a session event.
type Message struct {
	Kind        string            `json:"kind"`
	SessionID   string            `json:"session_id"`
	Destination string            `json:"destination"`
	Body        string            `json:"body"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"session_id", message.SessionID,
		"destination", message.Destination,
		"body", message.Body,
	)
	return nil
}

// Multi fans a message out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message Message) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
