package payment

import (
	"encoding/json"
	"time"
)

type Payment struct {
	ID              string          `gorm:"primaryKey;column:id"`
	TransactionID   string          `gorm:"column:transaction_id;not null;uniqueIndex"`
	OrderID         string          `gorm:"column:order_id;not null;uniqueIndex"`
	EnrollmentID    string          `gorm:"column:enrollment_id;not null;index"`
	UserID          string          `gorm:"column:user_id;not null;index"`
	Amount          int64           `gorm:"column:amount;not null"`
	Status          string          `gorm:"column:status;not null;default:pending;index"`
	PaymentMethod   *string         `gorm:"column:payment_method"`
	GatewayToken    string          `gorm:"column:gateway_token"`
	RedirectURL     string          `gorm:"column:redirect_url"`
	GatewayResponse json.RawMessage `gorm:"column:gateway_response"`
	FailureReason   *string         `gorm:"column:failure_reason"`
	ExpiresAt       time.Time       `gorm:"column:expires_at"`
	PaidAt          *time.Time      `gorm:"column:paid_at"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// StatusSummary holds the aggregate count and amount for one payment status.
type StatusSummary struct {
	Status string `db:"status" json:"status"`
	Count  int64  `db:"total" json:"count"`
	Amount int64  `db:"amount" json:"amount"`
}
