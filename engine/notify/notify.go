package notify

import (
	"context"

	"github.com/inkflow/inkflow/pkg/logger"
)

// Type identifies the notification template the delivery collaborator picks.
type Type string

const (
	TypeRequestCompleted        Type = "request_completed"
	TypeRequestDeclined         Type = "request_declined"
	TypeRequestExpired          Type = "request_expired"
	TypeRequestPartiallyExpired Type = "request_partially_expired"
	TypeRequestCancelled        Type = "request_cancelled"
	TypeDeadlineWarning         Type = "deadline_warning"
	TypeReminder                Type = "reminder"
	TypeSignerReset             Type = "signer_reset"
	TypeDeadlineExtended        Type = "deadline_extended"
)

// Event is one outbound notification. Events are appended by state
// transitions and drained by the dispatcher, so a delivery failure is
// structurally incapable of rolling back the transition that produced it.
type Event struct {
	Recipient string         `json:"recipient"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers a single event. Implementations wrap email or in-app
// channels; the engine only sees this interface.
type Notifier interface {
	Notify(ctx context.Context, evt *Event) error
}

// LogNotifier writes notifications to the structured log. It is the default
// wiring when no delivery collaborator is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, evt *Event) error {
	logger.FromContext(ctx).Info("Notification",
		"recipient", evt.Recipient, "type", evt.Type, "title", evt.Title)
	return nil
}
