package payment_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/lms-backend/internal/payment"
)

var _ = Describe("MapGatewayStatus", func() {
	DescribeTable("translates gateway statuses",
		func(gatewayStatus, fraudStatus string, expected payment.Status) {
			Expect(payment.MapGatewayStatus(gatewayStatus, fraudStatus)).To(Equal(expected))
		},
		Entry("settlement", "settlement", "", payment.StatusSettlement),
		Entry("accepted capture", "capture", "accept", payment.StatusCapture),
		Entry("capture under review", "capture", "challenge", payment.StatusChallenge),
		Entry("capture without fraud status", "capture", "", payment.StatusChallenge),
		Entry("pending", "pending", "", payment.StatusPending),
		Entry("deny", "deny", "", payment.StatusDeny),
		Entry("cancel", "cancel", "", payment.StatusCancel),
		Entry("expire", "expire", "", payment.StatusExpire),
		Entry("refund", "refund", "", payment.StatusRefund),
		Entry("partial refund", "partial_refund", "", payment.StatusPartialRefund),
		Entry("mixed case and padding", " Settlement ", "", payment.StatusSettlement),
		Entry("unknown status", "authorize", "", payment.StatusFailed),
		Entry("empty status", "", "", payment.StatusFailed),
	)
})

var _ = Describe("Status", func() {
	It("activates only on money received", func() {
		Expect(payment.StatusSettlement.EnrollmentEffect()).To(Equal(payment.EffectActivate))
		Expect(payment.StatusCapture.EnrollmentEffect()).To(Equal(payment.EffectActivate))
		Expect(payment.StatusChallenge.EnrollmentEffect()).To(Equal(payment.EffectNone))
		Expect(payment.StatusCancel.EnrollmentEffect()).To(Equal(payment.EffectCancel))
		Expect(payment.StatusExpire.EnrollmentEffect()).To(Equal(payment.EffectCancel))
		Expect(payment.StatusDeny.EnrollmentEffect()).To(Equal(payment.EffectNone))
		Expect(payment.StatusRefund.EnrollmentEffect()).To(Equal(payment.EffectNone))
	})

	DescribeTable("CanTransition",
		func(from, to payment.Status, allowed bool) {
			Expect(payment.CanTransition(from, to)).To(Equal(allowed))
		},
		Entry(nil, payment.StatusPending, payment.StatusSettlement, true),
		Entry(nil, payment.StatusPending, payment.StatusExpire, true),
		Entry(nil, payment.StatusChallenge, payment.StatusSettlement, true),
		Entry(nil, payment.StatusChallenge, payment.StatusPending, false),
		Entry(nil, payment.StatusCapture, payment.StatusSettlement, true),
		Entry(nil, payment.StatusSettlement, payment.StatusPending, false),
		Entry(nil, payment.StatusSettlement, payment.StatusExpire, false),
		Entry(nil, payment.StatusSettlement, payment.StatusRefund, true),
		Entry(nil, payment.StatusExpire, payment.StatusSettlement, true),
		Entry(nil, payment.StatusExpire, payment.StatusPending, false),
		Entry(nil, payment.StatusRefund, payment.StatusSettlement, false),
		Entry(nil, payment.StatusSettlement, payment.StatusSettlement, false),
	)
})

var _ = Describe("IsPaymentEligible", func() {
	It("accepts amounts inside the gateway bounds", func() {
		Expect(payment.IsPaymentEligible(999)).To(BeFalse())
		Expect(payment.IsPaymentEligible(1000)).To(BeTrue())
		Expect(payment.IsPaymentEligible(999999999)).To(BeTrue())
		Expect(payment.IsPaymentEligible(1000000000)).To(BeFalse())
	})

	It("returns a copy of the method list", func() {
		methods := payment.GetAvailablePaymentMethods()
		Expect(methods).NotTo(BeEmpty())
		methods[0].Code = "changed"
		Expect(payment.GetAvailablePaymentMethods()[0].Code).To(Equal("credit_card"))
	})
})
