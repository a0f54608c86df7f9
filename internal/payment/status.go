package payment

import "strings"

// Status is the internal payment state. Gateway vocabulary is translated into
// it only by MapGatewayStatus.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSettlement    Status = "settlement"
	StatusCapture       Status = "capture"
	StatusChallenge     Status = "challenge"
	StatusCancel        Status = "cancel"
	StatusExpire        Status = "expire"
	StatusDeny          Status = "deny"
	StatusRefund        Status = "refund"
	StatusPartialRefund Status = "partial_refund"
	StatusFailed        Status = "failed"
)

// MapGatewayStatus maps a gateway transaction_status and fraud_status pair to
// a Status. A capture that the fraud screen did not accept is held as
// StatusChallenge. Unknown statuses map to StatusFailed.
func MapGatewayStatus(gatewayStatus, fraudStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case "capture":
		if strings.EqualFold(strings.TrimSpace(fraudStatus), "accept") {
			return StatusCapture
		}
		return StatusChallenge
	case "settlement":
		return StatusSettlement
	case "pending":
		return StatusPending
	case "deny":
		return StatusDeny
	case "cancel":
		return StatusCancel
	case "expire":
		return StatusExpire
	case "refund":
		return StatusRefund
	case "partial_refund":
		return StatusPartialRefund
	default:
		return StatusFailed
	}
}

// IsSettled reports money received.
func (s Status) IsSettled() bool {
	return s == StatusSettlement || s == StatusCapture
}

// IsOpen reports a payment the student may still complete.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusChallenge
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancel, StatusExpire, StatusDeny, StatusRefund, StatusFailed:
		return true
	}
	return false
}

// EnrollmentEffect is what a payment transition does to its enrollment.
type EnrollmentEffect int

const (
	EffectNone EnrollmentEffect = iota
	EffectActivate
	EffectCancel
)

func (s Status) EnrollmentEffect() EnrollmentEffect {
	switch s {
	case StatusSettlement, StatusCapture:
		return EffectActivate
	case StatusCancel, StatusExpire:
		return EffectCancel
	}
	return EffectNone
}

// CanTransition rejects stale notifications that would move a payment
// backwards, such as a late pending after settlement.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusPending:
		return true
	case StatusChallenge:
		return to != StatusPending
	case StatusCapture:
		return to == StatusSettlement || to == StatusCancel || to == StatusRefund || to == StatusPartialRefund
	case StatusSettlement:
		return to == StatusRefund || to == StatusPartialRefund
	case StatusPartialRefund:
		return to == StatusRefund || to == StatusPartialRefund
	case StatusRefund:
		return false
	default:
		// cancel, expire, deny and failed only yield to money actually received
		return to.IsSettled()
	}
}
