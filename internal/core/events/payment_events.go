package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentStatusChanged = "payment.status_changed"
	EventTypeEnrollmentActivated  = "enrollment.activated"
	EventTypeEnrollmentCancelled  = "enrollment.cancelled"
)

// AllEventTypes lists every domain event the payment lifecycle emits.
var AllEventTypes = []string{
	EventTypePaymentStatusChanged,
	EventTypeEnrollmentActivated,
	EventTypeEnrollmentCancelled,
}

type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID      string `json:"payment_id"`
	OrderID        string `json:"order_id"`
	TransactionID  string `json:"transaction_id"`
	EnrollmentID   string `json:"enrollment_id"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	Source         string `json:"source"`
}

func NewPaymentStatusChangedEvent(paymentID, orderID, transactionID, enrollmentID, previous, status, source string) *PaymentStatusChangedEvent {
	return &PaymentStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentStatusChanged,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":      paymentID,
				"order_id":        orderID,
				"transaction_id":  transactionID,
				"enrollment_id":   enrollmentID,
				"previous_status": previous,
				"status":          status,
				"source":          source,
			},
		},
		PaymentID:      paymentID,
		OrderID:        orderID,
		TransactionID:  transactionID,
		EnrollmentID:   enrollmentID,
		PreviousStatus: previous,
		Status:         status,
		Source:         source,
	}
}

type EnrollmentChangedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	StudentID    string `json:"student_id"`
	CourseID     string `json:"course_id"`
	PaymentID    string `json:"payment_id"`
}

func newEnrollmentEvent(eventType, enrollmentID, studentID, courseID, paymentID string) *EnrollmentChangedEvent {
	return &EnrollmentChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"enrollment_id": enrollmentID,
				"student_id":    studentID,
				"course_id":     courseID,
				"payment_id":    paymentID,
			},
		},
		EnrollmentID: enrollmentID,
		StudentID:    studentID,
		CourseID:     courseID,
		PaymentID:    paymentID,
	}
}

func NewEnrollmentActivatedEvent(enrollmentID, studentID, courseID, paymentID string) *EnrollmentChangedEvent {
	return newEnrollmentEvent(EventTypeEnrollmentActivated, enrollmentID, studentID, courseID, paymentID)
}

func NewEnrollmentCancelledEvent(enrollmentID, studentID, courseID, paymentID string) *EnrollmentChangedEvent {
	return newEnrollmentEvent(EventTypeEnrollmentCancelled, enrollmentID, studentID, courseID, paymentID)
}
