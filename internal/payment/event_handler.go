package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/lms-backend/internal/core/events"
)

// EventHandler turns lifecycle events into student-facing notifications.
// Delivery is out of scope here; each notification is logged for the
// downstream notifier to pick up.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{logger: logger}
}

func (h *EventHandler) HandlePaymentStatusChanged(ctx context.Context, event events.Event) error {
	changed, ok := event.(*events.PaymentStatusChangedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment status handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentStatusChangedEvent, got %T", event)
	}

	switch Status(changed.Status) {
	case StatusSettlement, StatusCapture:
		h.notify("payment_received", changed)
	case StatusChallenge:
		h.notify("payment_under_review", changed)
	case StatusDeny, StatusFailed:
		h.notify("payment_failed", changed)
	case StatusExpire:
		h.notify("payment_expired", changed)
	case StatusRefund, StatusPartialRefund:
		h.notify("payment_refunded", changed)
	default:
		h.logger.Debug("no notification for payment status",
			"order_id", changed.OrderID,
			"status", changed.Status)
	}
	return nil
}

func (h *EventHandler) HandleEnrollmentChanged(ctx context.Context, event events.Event) error {
	changed, ok := event.(*events.EnrollmentChangedEvent)
	if !ok {
		h.logger.Error("invalid event type for enrollment handler", "event_type", event.EventType())
		return fmt.Errorf("expected EnrollmentChangedEvent, got %T", event)
	}

	h.logger.Info("notification queued",
		"template", event.EventType(),
		"student_id", changed.StudentID,
		"course_id", changed.CourseID,
		"enrollment_id", changed.EnrollmentID,
		"event_id", changed.EventID())
	return nil
}

func (h *EventHandler) notify(template string, e *events.PaymentStatusChangedEvent) {
	h.logger.Info("notification queued",
		"template", template,
		"order_id", e.OrderID,
		"enrollment_id", e.EnrollmentID,
		"previous_status", e.PreviousStatus,
		"status", e.Status,
		"event_id", e.EventID())
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentStatusChanged, h.HandlePaymentStatusChanged)
	eventBus.Subscribe(events.EventTypeEnrollmentActivated, h.HandleEnrollmentChanged)
	eventBus.Subscribe(events.EventTypeEnrollmentCancelled, h.HandleEnrollmentChanged)

	h.logger.Info("payment event handlers registered", "handlers", events.AllEventTypes)
}
