package payment

import "github.com/frahmantamala/lms-backend/internal/core/common/validation"

var availableMethods = []PaymentMethod{
	{Code: "credit_card", Name: "Credit Card", Category: "card"},
	{Code: "bca_va", Name: "BCA Virtual Account", Category: "bank_transfer"},
	{Code: "bni_va", Name: "BNI Virtual Account", Category: "bank_transfer"},
	{Code: "bri_va", Name: "BRI Virtual Account", Category: "bank_transfer"},
	{Code: "permata_va", Name: "Permata Virtual Account", Category: "bank_transfer"},
	{Code: "echannel", Name: "Mandiri Bill Payment", Category: "bank_transfer"},
	{Code: "gopay", Name: "GoPay", Category: "ewallet"},
	{Code: "shopeepay", Name: "ShopeePay", Category: "ewallet"},
	{Code: "other_qris", Name: "QRIS", Category: "qris"},
	{Code: "indomaret", Name: "Indomaret", Category: "cstore"},
	{Code: "alfamart", Name: "Alfamart", Category: "cstore"},
}

// GetAvailablePaymentMethods lists the checkout methods offered to students.
func GetAvailablePaymentMethods() []PaymentMethod {
	methods := make([]PaymentMethod, len(availableMethods))
	copy(methods, availableMethods)
	return methods
}

// IsPaymentEligible reports whether amount can be charged through the gateway.
func IsPaymentEligible(amount int64) bool {
	return amount >= validation.MinTransactionAmount && amount <= validation.MaxTransactionAmount
}

func isKnownMethod(code string) bool {
	for _, m := range availableMethods {
		if m.Code == code {
			return true
		}
	}
	return false
}
