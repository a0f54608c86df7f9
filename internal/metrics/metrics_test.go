package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/frahmantamala/lms-backend/internal/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.New()
	})

	It("counts transitions and notification outcomes", func() {
		m.RecordTransition("pending", "settlement", "webhook")
		m.RecordTransition("pending", "settlement", "webhook")
		m.RecordWebhook("duplicate")

		Expect(testutil.CollectAndCount(m.Registry(), "lms_payment_transitions_total")).To(Equal(1))
		Expect(testutil.CollectAndCount(m.Registry(), "lms_payment_notifications_total")).To(Equal(1))
	})

	It("observes gateway latency", func() {
		m.ObserveGatewayCall("create", "Created", 120*time.Millisecond)
		Expect(testutil.CollectAndCount(m.Registry(), "lms_gateway_request_duration_seconds")).To(Equal(1))
	})

	It("labels HTTP requests by route pattern and serves the exposition", func() {
		router := chi.NewRouter()
		router.Use(m.Middleware)
		router.Get("/payments/{ref}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		router.Handle("/metrics", m.Handler())

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/payments/ORD-1", nil))
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/payments/ORD-2", nil))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body, _ := io.ReadAll(rec.Body)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring(`lms_http_requests_total{method="GET",route="/payments/{ref}",status="404"} 2`))
	})
})
