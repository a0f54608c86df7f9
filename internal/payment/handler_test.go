package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/auth"
	paymentpkg "github.com/frahmantamala/lms-backend/internal/payment"
	"github.com/frahmantamala/lms-backend/internal/transport"
)

type mockPaymentService struct {
	createReq      *paymentpkg.CreateTransactionRequest
	idempotencyKey string
	createErr      error
	payment        *paymentpkg.PaymentView
	verified       string
	webhookErr     error
	webhookResult  *paymentpkg.WebhookResult
	refundReq      *paymentpkg.RefundRequest
}

func (m *mockPaymentService) CreateTransaction(ctx context.Context, req *paymentpkg.CreateTransactionRequest, key string) (*paymentpkg.TransactionResult, error) {
	m.createReq = req
	m.idempotencyKey = key
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &paymentpkg.TransactionResult{Success: true, OrderID: "ORD-1", TransactionID: "trx-1", CheckoutToken: "tok-1"}, nil
}

func (m *mockPaymentService) VerifyPayment(ctx context.Context, ref string) (*paymentpkg.VerifyResult, error) {
	m.verified = ref
	return &paymentpkg.VerifyResult{Reference: ref, Status: paymentpkg.StatusSettlement}, nil
}

func (m *mockPaymentService) ProcessWebhook(ctx context.Context, n *paymentpkg.Notification) (*paymentpkg.WebhookResult, error) {
	if m.webhookErr != nil {
		return nil, m.webhookErr
	}
	return m.webhookResult, nil
}

func (m *mockPaymentService) CancelTransaction(ctx context.Context, ref string) (*paymentpkg.PaymentView, error) {
	return &paymentpkg.PaymentView{OrderID: ref, Status: paymentpkg.StatusCancel}, nil
}

func (m *mockPaymentService) ExpireTransaction(ctx context.Context, ref string) (*paymentpkg.PaymentView, error) {
	return &paymentpkg.PaymentView{OrderID: ref, Status: paymentpkg.StatusExpire}, nil
}

func (m *mockPaymentService) RefundTransaction(ctx context.Context, ref string, req *paymentpkg.RefundRequest) (*paymentpkg.PaymentView, error) {
	m.refundReq = req
	return &paymentpkg.PaymentView{OrderID: ref, Status: paymentpkg.StatusRefund}, nil
}

func (m *mockPaymentService) GetPayment(ctx context.Context, ref string) (*paymentpkg.PaymentView, error) {
	if m.payment == nil || (m.payment.OrderID != ref && m.payment.TransactionID != ref) {
		return nil, internal.ErrPaymentNotFound
	}
	return m.payment, nil
}

func (m *mockPaymentService) GetStats(ctx context.Context) (*paymentpkg.StatsResponse, error) {
	return &paymentpkg.StatsResponse{TotalCount: 3}, nil
}

func (m *mockPaymentService) GetAvailablePaymentMethods() []paymentpkg.PaymentMethod {
	return paymentpkg.GetAvailablePaymentMethods()
}

func (m *mockPaymentService) IsPaymentEligible(amount int64) bool {
	return paymentpkg.IsPaymentEligible(amount)
}

var _ = ginkgo.Describe("Payment handlers", func() {
	var (
		svc    *mockPaymentService
		router chi.Router
		user   *auth.User
	)

	send := func(method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = bytes.NewBufferString(body)
		}
		req := httptest.NewRequest(method, path, reader)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	errorCode := func(rec *httptest.ResponseRecorder) string {
		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(gomega.Succeed())
		return body.Error.Code
	}

	ginkgo.BeforeEach(func() {
		svc = &mockPaymentService{}
		user = &auth.User{ID: "student-1", Role: internal.RoleStudent}

		base := transport.NewBaseHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
		handler := paymentpkg.NewHandler(base, svc)
		webhook := paymentpkg.NewWebhookHandler(base, svc)

		router = chi.NewRouter()
		router.Post("/payments/notification", webhook.HandleNotification)
		router.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					next.ServeHTTP(w, req.WithContext(auth.ContextWithUser(req.Context(), user)))
				})
			})
			r.Post("/payments", handler.CreateTransaction)
			r.Get("/payments/methods", handler.GetMethods)
			r.Get("/payments/eligibility", handler.CheckEligibility)
			r.Get("/payments/{ref}", handler.GetPayment)
			r.Post("/payments/{ref}/verify", handler.VerifyPayment)
			r.Post("/payments/{ref}/refund", handler.RefundPayment)
		})
	})

	ginkgo.Describe("CreateTransaction", func() {
		ginkgo.It("passes the caller and idempotency key to the service", func() {
			rec := send(http.MethodPost, "/payments",
				`{"amount":150000,"metadata":{"enrollment_id":"enr-1"}}`,
				map[string]string{"Idempotency-Key": "key-1"})

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusCreated))
			gomega.Expect(svc.createReq.UserID).To(gomega.Equal("student-1"))
			gomega.Expect(svc.createReq.Metadata.EnrollmentID).To(gomega.Equal("enr-1"))
			gomega.Expect(svc.idempotencyKey).To(gomega.Equal("key-1"))

			var result paymentpkg.TransactionResult
			gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(gomega.Succeed())
			gomega.Expect(result.CheckoutToken).To(gomega.Equal("tok-1"))
		})

		ginkgo.It("rejects unknown fields", func() {
			rec := send(http.MethodPost, "/payments", `{"amount":150000,"user_id":"someone-else"}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
			gomega.Expect(svc.createReq).To(gomega.BeNil())
		})

		ginkgo.It("maps service conflicts to 409", func() {
			svc.createErr = internal.ErrPaymentPending
			rec := send(http.MethodPost, "/payments", `{"amount":150000,"metadata":{"enrollment_id":"enr-1"}}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusConflict))
			gomega.Expect(errorCode(rec)).To(gomega.Equal("PAYMENT_ALREADY_PENDING"))
		})

		ginkgo.It("maps gateway failures to 502", func() {
			svc.createErr = internal.NewGatewayError("failed to create payment transaction", io.ErrUnexpectedEOF)
			rec := send(http.MethodPost, "/payments", `{"amount":150000,"metadata":{"enrollment_id":"enr-1"}}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadGateway))
		})
	})

	ginkgo.Describe("CheckEligibility", func() {
		ginkgo.It("reports the bounds", func() {
			rec := send(http.MethodGet, "/payments/eligibility?amount=500", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))

			var resp paymentpkg.EligibilityResponse
			gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(gomega.Succeed())
			gomega.Expect(resp.Eligible).To(gomega.BeFalse())
			gomega.Expect(resp.MinAmount).To(gomega.Equal(int64(1000)))
		})

		ginkgo.It("rejects a non-numeric amount", func() {
			rec := send(http.MethodGet, "/payments/eligibility?amount=abc", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("GetPayment and VerifyPayment", func() {
		ginkgo.BeforeEach(func() {
			svc.payment = &paymentpkg.PaymentView{OrderID: "ORD-1", TransactionID: "trx-1", UserID: "student-1"}
		})

		ginkgo.It("returns the caller's own payment", func() {
			rec := send(http.MethodGet, "/payments/ORD-1", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		})

		ginkgo.It("hides another student's payment", func() {
			user = &auth.User{ID: "student-2", Role: internal.RoleStudent}
			rec := send(http.MethodGet, "/payments/ORD-1", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))

			rec = send(http.MethodPost, "/payments/ORD-1/verify", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))
			gomega.Expect(svc.verified).To(gomega.BeEmpty())
		})

		ginkgo.It("lets an admin verify any reference", func() {
			user = &auth.User{ID: "admin-1", Role: internal.RoleAdmin}
			rec := send(http.MethodPost, "/payments/ORD-elsewhere/verify", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(svc.verified).To(gomega.Equal("ORD-elsewhere"))
		})
	})

	ginkgo.Describe("RefundPayment", func() {
		ginkgo.It("accepts an empty body as a full refund", func() {
			rec := send(http.MethodPost, "/payments/ORD-1/refund", "", nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(svc.refundReq.Amount).To(gomega.BeZero())
		})

		ginkgo.It("forwards a partial amount", func() {
			rec := send(http.MethodPost, "/payments/ORD-1/refund", `{"amount":50000,"reason":"moved"}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(svc.refundReq.Amount).To(gomega.Equal(int64(50000)))
		})
	})

	ginkgo.Describe("HandleNotification", func() {
		ginkgo.It("acknowledges an applied notification with extra gateway fields", func() {
			svc.webhookResult = &paymentpkg.WebhookResult{OrderID: "ORD-1", Status: paymentpkg.StatusSettlement, Changed: true}
			rec := send(http.MethodPost, "/payments/notification",
				`{"order_id":"ORD-1","transaction_status":"settlement","currency":"IDR","merchant_id":"M1"}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		})

		ginkgo.It("acknowledges a replay", func() {
			svc.webhookResult = &paymentpkg.WebhookResult{OrderID: "ORD-1", Status: paymentpkg.StatusSettlement}
			rec := send(http.MethodPost, "/payments/notification", `{"order_id":"ORD-1","transaction_status":"settlement"}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		})

		ginkgo.It("returns 404 for an unknown order so the gateway retries", func() {
			svc.webhookErr = internal.ErrPaymentNotFound
			rec := send(http.MethodPost, "/payments/notification", `{"order_id":"ORD-x","transaction_status":"settlement"}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))
		})

		ginkgo.It("returns 500 on unexpected failures", func() {
			svc.webhookErr = io.ErrClosedPipe
			rec := send(http.MethodPost, "/payments/notification", `{"order_id":"ORD-1","transaction_status":"settlement"}`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusInternalServerError))
		})

		ginkgo.It("rejects malformed JSON", func() {
			rec := send(http.MethodPost, "/payments/notification", `{"order_id":`, nil)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})
})
