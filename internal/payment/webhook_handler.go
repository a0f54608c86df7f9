package payment

import (
	"encoding/json"
	"net/http"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/transport"
	"github.com/frahmantamala/lms-backend/pkg/logger"
)

type WebhookHandler struct {
	*transport.BaseHandler
	service ServiceAPI
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
	}
}

type notificationResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	Payment Status `json:"payment_status"`
	Changed bool   `json:"changed"`
}

// HandleNotification handles POST /api/v1/payments/notification. The gateway
// retries anything other than 200, so replays of an applied notification
// still answer 200.
func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	var n Notification
	// gateway payloads carry more fields than Notification declares
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&n); err != nil {
		h.WriteAppError(w, internal.NewValidationError("invalid notification body", internal.ErrCodeValidationFailed))
		return
	}

	logger.FromOr(r.Context(), h.Logger).Info("payment notification received",
		"order_id", n.OrderID,
		"transaction_id", n.TransactionID,
		"transaction_status", n.TransactionStatus,
		"fraud_status", n.FraudStatus)

	result, err := h.service.ProcessWebhook(r.Context(), &n)
	if err != nil {
		h.HandleServiceError(w, err, "HandleNotification")
		return
	}

	h.WriteJSON(w, http.StatusOK, notificationResponse{
		Status:  "ok",
		OrderID: result.OrderID,
		Payment: result.Status,
		Changed: result.Changed,
	})
}
