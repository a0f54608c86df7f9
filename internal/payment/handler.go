package payment

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/auth"
	"github.com/frahmantamala/lms-backend/internal/core/common/validation"
	"github.com/frahmantamala/lms-backend/internal/transport"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ServiceAPI interface {
	CreateTransaction(ctx context.Context, req *CreateTransactionRequest, idempotencyKey string) (*TransactionResult, error)
	VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error)
	ProcessWebhook(ctx context.Context, n *Notification) (*WebhookResult, error)
	CancelTransaction(ctx context.Context, ref string) (*PaymentView, error)
	ExpireTransaction(ctx context.Context, ref string) (*PaymentView, error)
	RefundTransaction(ctx context.Context, ref string, req *RefundRequest) (*PaymentView, error)
	GetPayment(ctx context.Context, ref string) (*PaymentView, error)
	GetStats(ctx context.Context) (*StatsResponse, error)
	GetAvailablePaymentMethods() []PaymentMethod
	IsPaymentEligible(amount int64) bool
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

// CreateTransaction handles POST /api/v1/payments
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.ErrInvalidToken)
		return
	}

	var req CreateTransactionRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}
	req.UserID = user.ID

	result, err := h.Service.CreateTransaction(r.Context(), &req, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.HandleServiceError(w, err, "CreateTransaction")
		return
	}

	h.WriteJSON(w, http.StatusCreated, result)
}

// GetMethods handles GET /api/v1/payments/methods
func (h *Handler) GetMethods(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, MethodsResponse{Methods: h.Service.GetAvailablePaymentMethods()})
}

// CheckEligibility handles GET /api/v1/payments/eligibility?amount=
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		h.WriteAppError(w, internal.NewValidationFieldError("amount", "amount must be an integer", internal.ErrCodeInvalidAmount))
		return
	}

	h.WriteJSON(w, http.StatusOK, EligibilityResponse{
		Amount:    amount,
		Eligible:  h.Service.IsPaymentEligible(amount),
		MinAmount: validation.MinTransactionAmount,
		MaxAmount: validation.MaxTransactionAmount,
	})
}

// GetPayment handles GET /api/v1/payments/{ref}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	view, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// VerifyPayment handles POST /api/v1/payments/{ref}/verify. Admins may verify
// references that have no local payment.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.ErrInvalidToken)
		return
	}

	ref := chi.URLParam(r, "ref")
	if !user.IsAdmin() {
		if _, ok := h.loadOwned(w, r); !ok {
			return
		}
	}

	result, err := h.Service.VerifyPayment(r.Context(), ref)
	if err != nil {
		h.HandleServiceError(w, err, "VerifyPayment")
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// CancelPayment handles POST /api/v1/payments/{ref}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.CancelTransaction(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.HandleServiceError(w, err, "CancelPayment")
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// ExpirePayment handles POST /api/v1/payments/{ref}/expire
func (h *Handler) ExpirePayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.ExpireTransaction(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.HandleServiceError(w, err, "ExpirePayment")
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// RefundPayment handles POST /api/v1/payments/{ref}/refund. An empty body
// refunds the full amount.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.WriteAppError(w, appErr)
			return
		}
	}

	view, err := h.Service.RefundTransaction(r.Context(), chi.URLParam(r, "ref"), &req)
	if err != nil {
		h.HandleServiceError(w, err, "RefundPayment")
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// GetStats handles GET /api/v1/admin/payments/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.GetStats(r.Context())
	if err != nil {
		h.HandleServiceError(w, err, "GetStats")
		return
	}
	h.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request) (*PaymentView, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.ErrInvalidToken)
		return nil, false
	}

	view, err := h.Service.GetPayment(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.HandleServiceError(w, err, "GetPayment")
		return nil, false
	}
	if !user.CanAccess(view.UserID) {
		h.WriteAppError(w, internal.ErrPaymentNotFound)
		return nil, false
	}
	return view, true
}
