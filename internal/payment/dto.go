package payment

import (
	"time"

	paymentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/payment"
)

type Item struct {
	ID       string `json:"id" validate:"required,max=50"`
	Name     string `json:"name" validate:"required,max=50"`
	Price    int64  `json:"price" validate:"gt=0"`
	Quantity int32  `json:"quantity" validate:"gte=1"`
}

type CustomerDetails struct {
	FirstName string `json:"first_name" validate:"max=255"`
	LastName  string `json:"last_name" validate:"max=255"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone" validate:"max=255"`
}

type Metadata struct {
	EnrollmentID string `json:"enrollment_id"`
}

type CreateTransactionRequest struct {
	UserID          string           `json:"-"`
	Amount          int64            `json:"amount"`
	Items           []Item           `json:"items" validate:"omitempty,dive"`
	CustomerDetails *CustomerDetails `json:"customer_details,omitempty"`
	Discount        int64            `json:"discount" validate:"gte=0"`
	Metadata        Metadata         `json:"metadata"`
	PaymentMethods  []string         `json:"payment_methods,omitempty" validate:"omitempty,dive,required"`
}

type TransactionResult struct {
	Success       bool      `json:"success"`
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	Amount        int64     `json:"amount"`
	CheckoutToken string    `json:"checkout_token"`
	RedirectURL   string    `json:"redirect_url"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// VerifyResult carries the gateway's view of a transaction. Payment is nil
// when no local record matches the reference.
type VerifyResult struct {
	Reference         string       `json:"reference"`
	Status            Status       `json:"status"`
	TransactionStatus string       `json:"transaction_status"`
	FraudStatus       string       `json:"fraud_status,omitempty"`
	PaymentMethod     string       `json:"payment_method,omitempty"`
	GrossAmount       string       `json:"gross_amount,omitempty"`
	SettlementTime    string       `json:"settlement_time,omitempty"`
	Changed           bool         `json:"changed"`
	Payment           *PaymentView `json:"payment,omitempty"`
}

// Notification is the gateway's HTTP notification body.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key,omitempty"`
	TransactionTime   string `json:"transaction_time,omitempty"`
	SettlementTime    string `json:"settlement_time,omitempty"`
	StatusMessage     string `json:"status_message,omitempty"`
}

type WebhookResult struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
	Changed bool   `json:"changed"`
}

type RefundRequest struct {
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=255"`
}

type PaymentView struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	OrderID       string     `json:"order_id"`
	EnrollmentID  string     `json:"enrollment_id"`
	UserID        string     `json:"user_id"`
	Amount        int64      `json:"amount"`
	Status        Status     `json:"status"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	RedirectURL   string     `json:"redirect_url,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func NewPaymentView(p *paymentDatamodel.Payment) *PaymentView {
	view := &PaymentView{
		ID:            p.ID,
		TransactionID: p.TransactionID,
		OrderID:       p.OrderID,
		EnrollmentID:  p.EnrollmentID,
		UserID:        p.UserID,
		Amount:        p.Amount,
		Status:        Status(p.Status),
		RedirectURL:   p.RedirectURL,
		ExpiresAt:     p.ExpiresAt,
		PaidAt:        p.PaidAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.PaymentMethod != nil {
		view.PaymentMethod = *p.PaymentMethod
	}
	if p.FailureReason != nil {
		view.FailureReason = *p.FailureReason
	}
	return view
}

type PaymentMethod struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type MethodsResponse struct {
	Methods []PaymentMethod `json:"methods"`
}

type EligibilityResponse struct {
	Amount    int64 `json:"amount"`
	Eligible  bool  `json:"eligible"`
	MinAmount int64 `json:"min_amount"`
	MaxAmount int64 `json:"max_amount"`
}

type StatsResponse struct {
	Statuses    []paymentDatamodel.StatusSummary `json:"statuses"`
	TotalCount  int64                            `json:"total_count"`
	TotalAmount int64                            `json:"total_amount"`
}
