package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/core/common/validation"
	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
	paymentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/payment"
	paymentgatewaytypes "github.com/frahmantamala/lms-backend/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/lms-backend/internal/core/events"
	"github.com/frahmantamala/lms-backend/internal/enrollment"
	"github.com/frahmantamala/lms-backend/internal/paymentgateway"
	"github.com/frahmantamala/lms-backend/pkg/logger"
)

type Gateway interface {
	CreateTransaction(ctx context.Context, req *paymentgatewaytypes.CreateTransactionRequest) (*paymentgatewaytypes.CreateTransactionResponse, error)
	GetStatus(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error)
	Cancel(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error)
	Expire(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error)
	Refund(ctx context.Context, id string, req *paymentgatewaytypes.RefundRequest) (*paymentgatewaytypes.StatusResponse, error)
}

// RepositoryAPI reads outside a transaction and opens store transactions.
// Lookups by reference match either the transaction id or the order id, and
// return nil without error when nothing matches.
type RepositoryAPI interface {
	GetByReference(ctx context.Context, ref string) (*paymentDatamodel.Payment, error)
	GetEnrollment(ctx context.Context, id string) (*enrollmentDatamodel.Enrollment, error)
	FindOpenPayment(ctx context.Context, enrollmentID string, since time.Time) (*paymentDatamodel.Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*paymentDatamodel.Payment, error)
	Transaction(ctx context.Context, fn func(tx TxRepository) error) error
}

// TxRepository is bound to a single store transaction. Rows read with
// ForUpdate stay locked until the transaction ends.
type TxRepository interface {
	enrollment.TxStore
	CreatePayment(ctx context.Context, p *paymentDatamodel.Payment) error
	FindPaymentForUpdate(ctx context.Context, ref string) (*paymentDatamodel.Payment, error)
	FindOpenPayment(ctx context.Context, enrollmentID string, since time.Time) (*paymentDatamodel.Payment, error)
	UpdatePayment(ctx context.Context, p *paymentDatamodel.Payment) error
}

type ReportRepository interface {
	StatusSummary(ctx context.Context) ([]paymentDatamodel.StatusSummary, error)
}

type EnrollmentActivator interface {
	Activate(ctx context.Context, tx enrollment.TxStore, enrollmentID string) (*enrollment.Enrollment, bool, error)
	Cancel(ctx context.Context, tx enrollment.TxStore, enrollmentID string) (*enrollment.Enrollment, bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Recorder receives lifecycle measurements.
type Recorder interface {
	RecordTransition(from, to, source string)
	RecordWebhook(outcome string)
}

// IdempotencyStore remembers createTransaction results per client key.
// Acquire returns the cached result if one exists; otherwise acquired reports
// whether the caller now owns the key.
type IdempotencyStore interface {
	Acquire(ctx context.Context, key string) (cached []byte, acquired bool, err error)
	Complete(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
	// Discard forgets the result and lock for key.
	Discard(ctx context.Context, key string) error
}

type Config struct {
	ServerKey       string
	FinishURL       string
	RequestTimeout  time.Duration
	CheckoutExpiry  time.Duration
	VerifySignature bool
}

const (
	SourceCheckout = "checkout"
	SourceVerify   = "verify"
	SourceWebhook  = "webhook"
	SourceAdmin    = "admin"
)

type Service struct {
	repo        RepositoryAPI
	gateway     Gateway
	activator   EnrollmentActivator
	publisher   EventPublisher
	idempotency IdempotencyStore
	reports     ReportRepository
	recorder    Recorder
	config      Config
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(repo RepositoryAPI, gateway Gateway, activator EnrollmentActivator, publisher EventPublisher, config Config, logger *slog.Logger) *Service {
	if config.CheckoutExpiry <= 0 {
		config.CheckoutExpiry = time.Hour
	}
	return &Service{
		repo:      repo,
		gateway:   gateway,
		activator: activator,
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) WithIdempotency(store IdempotencyStore) *Service {
	s.idempotency = store
	return s
}

func (s *Service) WithReports(reports ReportRepository) *Service {
	s.reports = reports
	return s
}

func (s *Service) WithRecorder(recorder Recorder) *Service {
	s.recorder = recorder
	return s
}

// log prefers the request-scoped logger so transition lines carry request_id.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromOr(ctx, s.logger)
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateTransaction opens a hosted checkout for a pending_payment enrollment
// and records the pending Payment. A non-empty idempotencyKey makes retries of
// the same request return the first result.
func (s *Service) CreateTransaction(ctx context.Context, req *CreateTransactionRequest, idempotencyKey string) (result *TransactionResult, err error) {
	if idempotencyKey == "" || s.idempotency == nil {
		return s.createTransaction(ctx, req)
	}

	key := req.UserID + ":" + idempotencyKey
	cached, acquired, err := s.idempotency.Acquire(ctx, key)
	if err == nil && cached != nil {
		previous, decodeErr := decodeCachedResult(cached)
		if decodeErr == nil {
			s.log(ctx).Info("returning cached checkout for idempotency key", "order_id", previous.OrderID)
			return previous, nil
		}
		s.log(ctx).Warn("discarding unreadable idempotent result", "error", decodeErr)
		if err = s.idempotency.Discard(ctx, key); err == nil {
			cached, acquired, err = s.idempotency.Acquire(ctx, key)
		}
	}
	if err != nil {
		s.log(ctx).Warn("idempotency store unavailable, continuing without it", "error", err)
		return s.createTransaction(ctx, req)
	}
	if cached != nil {
		// another request stored a result between discard and acquire
		previous, decodeErr := decodeCachedResult(cached)
		if decodeErr != nil {
			return nil, internal.NewInternalError("unreadable idempotent result", decodeErr)
		}
		return previous, nil
	}
	if !acquired {
		return nil, internal.ErrRequestInFlight
	}

	defer func() {
		if err != nil {
			if releaseErr := s.idempotency.Release(ctx, key); releaseErr != nil {
				s.log(ctx).Warn("failed to release idempotency key", "error", releaseErr)
			}
			return
		}
		body, _ := json.Marshal(result)
		if completeErr := s.idempotency.Complete(ctx, key, body); completeErr != nil {
			s.log(ctx).Warn("failed to store idempotent result", "order_id", result.OrderID, "error", completeErr)
		}
	}()

	return s.createTransaction(ctx, req)
}

func decodeCachedResult(cached []byte) (*TransactionResult, error) {
	var previous TransactionResult
	if err := json.Unmarshal(cached, &previous); err != nil {
		return nil, err
	}
	return &previous, nil
}

func (s *Service) createTransaction(ctx context.Context, req *CreateTransactionRequest) (*TransactionResult, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now()
	enrollmentID := strings.TrimSpace(req.Metadata.EnrollmentID)

	if err := s.checkPayable(ctx, req.UserID, enrollmentID, now); err != nil {
		return nil, err
	}

	transactionID := uuid.NewString()
	orderID := newOrderID(req.UserID, now)
	expiresAt := now.Add(s.config.CheckoutExpiry)

	gctx, cancel := internal.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	checkout, err := s.gateway.CreateTransaction(gctx, s.buildCheckout(req, transactionID, orderID, enrollmentID, now))
	if err != nil {
		s.log(ctx).Error("gateway rejected checkout", "order_id", orderID, "enrollment_id", enrollmentID, "error", err)
		return nil, internal.NewGatewayError("failed to create payment transaction", err)
	}

	record := &paymentDatamodel.Payment{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		OrderID:       orderID,
		EnrollmentID:  enrollmentID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Status:        string(StatusPending),
		GatewayToken:  checkout.Token,
		RedirectURL:   checkout.RedirectURL,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.repo.Transaction(ctx, func(tx TxRepository) error {
		if err := s.lockPayable(ctx, tx, req.UserID, enrollmentID, now); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, record)
	})
	if err != nil {
		// the gateway checkout exists without a local record; verify or the
		// notification path can still find it by order id
		s.log(ctx).Error("checkout orphaned: payment not persisted",
			"order_id", orderID,
			"transaction_id", transactionID,
			"enrollment_id", enrollmentID,
			"error", err)
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		return nil, internal.NewInternalError("failed to persist payment", err)
	}

	s.record(StatusPending, StatusPending, SourceCheckout)
	s.log(ctx).Info("payment created",
		"payment_id", record.ID,
		"order_id", orderID,
		"transaction_id", transactionID,
		"enrollment_id", enrollmentID,
		"amount", req.Amount)

	return &TransactionResult{
		Success:       true,
		TransactionID: transactionID,
		OrderID:       orderID,
		Amount:        req.Amount,
		CheckoutToken: checkout.Token,
		RedirectURL:   checkout.RedirectURL,
		ExpiresAt:     expiresAt,
	}, nil
}

func (s *Service) validateCreate(req *CreateTransactionRequest) error {
	if appErr := validation.Struct(req); appErr != nil {
		return appErr
	}
	if appErr := validation.ValidateTransactionAmount(req.Amount); appErr != nil {
		return appErr
	}
	if strings.TrimSpace(req.Metadata.EnrollmentID) == "" {
		return internal.NewValidationFieldError("metadata.enrollment_id", "metadata.enrollment_id is required", internal.ErrCodeMissingMetadata)
	}
	if req.UserID == "" {
		return internal.NewValidationFieldError("user_id", "user_id is required", internal.ErrCodeValidationFailed)
	}

	if len(req.Items) > 0 {
		total := decimal.Zero
		for _, item := range req.Items {
			total = total.Add(decimal.NewFromInt(item.Price).Mul(decimal.NewFromInt32(item.Quantity)))
		}
		total = total.Sub(decimal.NewFromInt(req.Discount))
		if !total.Equal(decimal.NewFromInt(req.Amount)) {
			return internal.NewValidationFieldError("amount",
				fmt.Sprintf("amount %d does not match item total %s", req.Amount, total.String()),
				internal.ErrCodeAmountMismatch)
		}
	} else if req.Discount > 0 {
		return internal.NewValidationFieldError("discount", "discount requires items", internal.ErrCodeValidationFailed)
	}

	for _, method := range req.PaymentMethods {
		if !isKnownMethod(method) {
			return internal.NewValidationFieldError("payment_methods", fmt.Sprintf("unknown payment method %q", method), internal.ErrCodeValidationFailed)
		}
	}
	return nil
}

// checkPayable runs the enrollment checks without locks so obviously invalid
// requests never reach the gateway.
func (s *Service) checkPayable(ctx context.Context, userID, enrollmentID string, now time.Time) error {
	e, err := s.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return internal.NewInternalError("failed to load enrollment", err)
	}
	if err := payableEnrollment(e, userID); err != nil {
		return err
	}

	open, err := s.repo.FindOpenPayment(ctx, enrollmentID, now.Add(-s.config.CheckoutExpiry))
	if err != nil {
		return internal.NewInternalError("failed to check open payments", err)
	}
	if open != nil {
		return fmt.Errorf("order %s: %w", open.OrderID, internal.ErrPaymentPending)
	}
	return nil
}

func (s *Service) lockPayable(ctx context.Context, tx TxRepository, userID, enrollmentID string, now time.Time) error {
	e, err := tx.FindEnrollmentForUpdate(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if err := payableEnrollment(e, userID); err != nil {
		return err
	}

	open, err := tx.FindOpenPayment(ctx, enrollmentID, now.Add(-s.config.CheckoutExpiry))
	if err != nil {
		return err
	}
	if open != nil {
		return fmt.Errorf("order %s: %w", open.OrderID, internal.ErrPaymentPending)
	}
	return nil
}

func payableEnrollment(e *enrollmentDatamodel.Enrollment, userID string) error {
	// other students' enrollments are reported as missing
	if e == nil || e.StudentID != userID {
		return internal.ErrEnrollmentNotFound
	}
	if enrollment.Status(e.Status) != enrollment.StatusPendingPayment {
		return internal.NewConflictError(
			fmt.Sprintf("enrollment is %s and cannot be paid", e.Status),
			internal.ErrCodeEnrollmentNotPayable)
	}
	return nil
}

func (s *Service) buildCheckout(req *CreateTransactionRequest, transactionID, orderID, enrollmentID string, now time.Time) *paymentgatewaytypes.CreateTransactionRequest {
	checkout := &paymentgatewaytypes.CreateTransactionRequest{
		TransactionDetails: paymentgatewaytypes.TransactionDetails{
			OrderID:     orderID,
			GrossAmount: req.Amount,
		},
		EnabledPayments: req.PaymentMethods,
		Expiry: &paymentgatewaytypes.Expiry{
			StartTime: now.Format("2006-01-02 15:04:05 -0700"),
			Unit:      "minute",
			Duration:  int64(s.config.CheckoutExpiry / time.Minute),
		},
		CustomField1: enrollmentID,
		CustomField2: transactionID,
	}

	for _, item := range req.Items {
		checkout.ItemDetails = append(checkout.ItemDetails, paymentgatewaytypes.ItemDetail{
			ID:       item.ID,
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}
	if req.Discount > 0 {
		checkout.ItemDetails = append(checkout.ItemDetails, paymentgatewaytypes.ItemDetail{
			ID:       "DISCOUNT",
			Name:     "Discount",
			Price:    -req.Discount,
			Quantity: 1,
		})
	}

	if c := req.CustomerDetails; c != nil {
		checkout.CustomerDetails = &paymentgatewaytypes.CustomerDetails{
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Email:     c.Email,
			Phone:     c.Phone,
		}
	}
	if s.config.FinishURL != "" {
		checkout.Callbacks = &paymentgatewaytypes.Callbacks{Finish: s.config.FinishURL}
	}
	return checkout
}

// newOrderID derives an order id from the user and creation time. The random
// suffix keeps two checkouts in the same millisecond apart.
func newOrderID(userID string, now time.Time) string {
	user := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, userID)
	if len(user) > 8 {
		user = user[:8]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("ORD-%s-%d-%s", user, now.UnixMilli(), suffix)
}

// VerifyPayment asks the gateway for the current status of ref and applies it
// to the matching Payment. A reference with no local record still returns the
// gateway's answer but changes nothing.
func (s *Service) VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, internal.NewValidationFieldError("reference", "reference is required", internal.ErrCodeValidationFailed)
	}

	local, err := s.repo.GetByReference(ctx, ref)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}

	gatewayID := ref
	if local != nil {
		gatewayID = local.OrderID
	}

	gctx, cancel := internal.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	status, err := s.gateway.GetStatus(gctx, gatewayID)
	if err != nil {
		if errors.Is(err, paymentgateway.ErrNotFound) && local == nil {
			return nil, internal.ErrPaymentNotFound
		}
		s.log(ctx).Error("gateway status query failed", "reference", ref, "error", err)
		return nil, internal.NewGatewayError("failed to query payment status", err)
	}

	mapped := MapGatewayStatus(status.TransactionStatus, status.FraudStatus)
	result := &VerifyResult{
		Reference:         ref,
		Status:            mapped,
		TransactionStatus: status.TransactionStatus,
		FraudStatus:       status.FraudStatus,
		PaymentMethod:     status.PaymentType,
		GrossAmount:       status.GrossAmount,
		SettlementTime:    status.SettlementTime,
	}

	if local == nil {
		s.log(ctx).Warn("verified transaction has no local payment", "reference", ref, "status", mapped)
		return result, nil
	}

	raw, _ := json.Marshal(status)
	outcome, err := s.applyTransition(ctx, transitionInput{
		refs:            []string{local.OrderID},
		status:          mapped,
		paymentMethod:   status.PaymentType,
		gatewayResponse: raw,
		failureReason:   status.StatusMessage,
		source:          SourceVerify,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, outcome.events)
	result.Changed = outcome.changed
	result.Payment = NewPaymentView(outcome.payment)
	return result, nil
}

// ProcessWebhook applies a gateway notification. Redelivery of a notification
// that was already applied is a successful no-op.
func (s *Service) ProcessWebhook(ctx context.Context, n *Notification) (*WebhookResult, error) {
	result, err := s.processWebhook(ctx, n)
	if s.recorder != nil {
		s.recorder.RecordWebhook(webhookOutcome(result, err))
	}
	return result, err
}

func (s *Service) processWebhook(ctx context.Context, n *Notification) (*WebhookResult, error) {
	if n.OrderID == "" && n.TransactionID == "" {
		return nil, internal.NewValidationFieldError("order_id", "order_id or transaction_id is required", internal.ErrCodeValidationFailed)
	}
	if n.TransactionStatus == "" {
		return nil, internal.NewValidationFieldError("transaction_status", "transaction_status is required", internal.ErrCodeValidationFailed)
	}
	if s.config.VerifySignature &&
		!paymentgateway.VerifySignature(n.OrderID, n.StatusCode, n.GrossAmount, s.config.ServerKey, n.SignatureKey) {
		s.log(ctx).Warn("notification signature mismatch", "order_id", n.OrderID)
		return nil, internal.ErrInvalidSignature
	}

	var refs []string
	for _, ref := range []string{n.OrderID, n.TransactionID} {
		if ref != "" {
			refs = append(refs, ref)
		}
	}

	stored := *n
	stored.SignatureKey = ""
	raw, _ := json.Marshal(stored)

	mapped := MapGatewayStatus(n.TransactionStatus, n.FraudStatus)
	outcome, err := s.applyTransition(ctx, transitionInput{
		refs:            refs,
		status:          mapped,
		paymentMethod:   n.PaymentType,
		gatewayResponse: raw,
		grossAmount:     n.GrossAmount,
		failureReason:   n.StatusMessage,
		source:          SourceWebhook,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, outcome.events)
	return &WebhookResult{
		OrderID: outcome.payment.OrderID,
		Status:  Status(outcome.payment.Status),
		Changed: outcome.changed,
	}, nil
}

func webhookOutcome(result *WebhookResult, err error) string {
	switch {
	case err == nil && result.Changed:
		return "applied"
	case err == nil:
		return "duplicate"
	case internal.IsType(err, internal.ErrorTypeNotFound):
		return "not_found"
	case internal.IsType(err, internal.ErrorTypeValidation), internal.IsType(err, internal.ErrorTypeConflict):
		return "rejected"
	default:
		return "error"
	}
}

type transitionInput struct {
	refs            []string
	status          Status
	paymentMethod   string
	gatewayResponse json.RawMessage
	grossAmount     string
	failureReason   string
	source          string
}

type transitionOutcome struct {
	payment  *paymentDatamodel.Payment
	previous Status
	changed  bool
	events   []events.Event
}

// applyTransition moves one Payment and its Enrollment together inside a
// single store transaction, working on freshly locked rows.
func (s *Service) applyTransition(ctx context.Context, in transitionInput) (*transitionOutcome, error) {
	var out transitionOutcome

	err := s.repo.Transaction(ctx, func(tx TxRepository) error {
		out = transitionOutcome{}

		p, err := findForUpdate(ctx, tx, in.refs)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("reference %s: %w", strings.Join(in.refs, "/"), internal.ErrPaymentNotFound)
		}
		out.payment = p
		out.previous = Status(p.Status)

		if in.grossAmount != "" {
			if err := matchAmount(p.Amount, in.grossAmount); err != nil {
				return err
			}
		}

		if out.previous == in.status {
			return nil
		}
		if !CanTransition(out.previous, in.status) {
			s.log(ctx).Warn("ignoring out-of-order status",
				"order_id", p.OrderID,
				"current_status", out.previous,
				"reported_status", in.status,
				"source", in.source)
			return nil
		}

		now := s.now()
		p.Status = string(in.status)
		p.UpdatedAt = now
		if in.paymentMethod != "" {
			method := in.paymentMethod
			p.PaymentMethod = &method
		}
		if len(in.gatewayResponse) > 0 {
			p.GatewayResponse = in.gatewayResponse
		}
		if in.status.IsSettled() && p.PaidAt == nil {
			p.PaidAt = &now
		}
		if (in.status == StatusDeny || in.status == StatusFailed) && in.failureReason != "" {
			reason := in.failureReason
			p.FailureReason = &reason
		}

		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to update payment %s: %w", p.ID, err)
		}
		out.changed = true
		out.events = append(out.events, events.NewPaymentStatusChangedEvent(
			p.ID, p.OrderID, p.TransactionID, p.EnrollmentID, string(out.previous), p.Status, in.source))

		enrollmentEvent, err := s.applyEnrollmentEffect(ctx, tx, p, in.status)
		if err != nil {
			return err
		}
		if enrollmentEvent != nil {
			out.events = append(out.events, enrollmentEvent)
		}
		return nil
	})
	if err != nil {
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		s.log(ctx).Error("payment transition rolled back", "refs", in.refs, "status", in.status, "error", err)
		return nil, internal.NewInternalError("failed to apply payment status", err)
	}

	if out.changed {
		s.record(out.previous, in.status, in.source)
		s.log(ctx).Info("payment status changed",
			"payment_id", out.payment.ID,
			"order_id", out.payment.OrderID,
			"old_status", out.previous,
			"new_status", in.status,
			"source", in.source)
	} else {
		s.log(ctx).Info("payment status unchanged",
			"order_id", out.payment.OrderID,
			"status", out.previous,
			"source", in.source)
	}
	return &out, nil
}

func (s *Service) applyEnrollmentEffect(ctx context.Context, tx TxRepository, p *paymentDatamodel.Payment, status Status) (events.Event, error) {
	switch status.EnrollmentEffect() {
	case EffectActivate:
		e, changed, err := s.activator.Activate(ctx, tx, p.EnrollmentID)
		if err != nil || !changed {
			return nil, err
		}
		return events.NewEnrollmentActivatedEvent(e.ID, e.StudentID, e.CourseID, p.ID), nil

	case EffectCancel:
		// a newer checkout for the same enrollment keeps it alive
		other, err := tx.FindOpenPayment(ctx, p.EnrollmentID, time.Time{})
		if err != nil {
			return nil, err
		}
		if other != nil {
			s.log(ctx).Info("enrollment kept pending for newer checkout",
				"enrollment_id", p.EnrollmentID,
				"order_id", other.OrderID)
			return nil, nil
		}
		e, changed, err := s.activator.Cancel(ctx, tx, p.EnrollmentID)
		if err != nil || !changed {
			return nil, err
		}
		return events.NewEnrollmentCancelledEvent(e.ID, e.StudentID, e.CourseID, p.ID), nil
	}
	return nil, nil
}

func findForUpdate(ctx context.Context, tx TxRepository, refs []string) (*paymentDatamodel.Payment, error) {
	for _, ref := range refs {
		p, err := tx.FindPaymentForUpdate(ctx, ref)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func matchAmount(amount int64, grossAmount string) error {
	reported, err := decimal.NewFromString(grossAmount)
	if err != nil {
		return internal.NewValidationFieldError("gross_amount", "gross_amount is not a number", internal.ErrCodeInvalidAmount)
	}
	if !reported.Equal(decimal.NewFromInt(amount)) {
		return internal.NewConflictError(
			fmt.Sprintf("gross amount %s does not match payment amount %d", grossAmount, amount),
			internal.ErrCodeAmountMismatch)
	}
	return nil
}

// CancelTransaction cancels an open or captured payment at the gateway, then
// records the cancellation. The enrollment is left to verify and notifications.
func (s *Service) CancelTransaction(ctx context.Context, ref string) (*PaymentView, error) {
	return s.adminTransition(ctx, ref, adminOperation{
		name: "cancel",
		allowed: func(st Status) bool {
			return st.IsOpen() || st == StatusCapture
		},
		call: func(gctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
			return s.gateway.Cancel(gctx, id)
		},
		target: StatusCancel,
	})
}

// ExpireTransaction expires a pending payment at the gateway, then locally.
func (s *Service) ExpireTransaction(ctx context.Context, ref string) (*PaymentView, error) {
	return s.adminTransition(ctx, ref, adminOperation{
		name: "expire",
		allowed: func(st Status) bool {
			return st == StatusPending
		},
		call: func(gctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
			return s.gateway.Expire(gctx, id)
		},
		target: StatusExpire,
	})
}

// RefundTransaction refunds a settled payment. A zero amount refunds it in full;
// anything less than the payment amount is a partial refund.
func (s *Service) RefundTransaction(ctx context.Context, ref string, req *RefundRequest) (*PaymentView, error) {
	if req == nil {
		req = &RefundRequest{}
	}
	if appErr := validation.Struct(req); appErr != nil {
		return nil, appErr
	}

	target := StatusRefund
	return s.adminTransition(ctx, ref, adminOperation{
		name: "refund",
		allowed: func(st Status) bool {
			return st.IsSettled() || st == StatusPartialRefund
		},
		check: func(p *paymentDatamodel.Payment) error {
			if req.Amount > p.Amount {
				return internal.NewValidationFieldError("amount",
					fmt.Sprintf("refund amount must not exceed %d", p.Amount), internal.ErrCodeInvalidAmount)
			}
			if req.Amount > 0 && req.Amount < p.Amount {
				target = StatusPartialRefund
			}
			return nil
		},
		call: func(gctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
			return s.gateway.Refund(gctx, id, &paymentgatewaytypes.RefundRequest{
				RefundKey: "rfd-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Amount:    req.Amount,
				Reason:    req.Reason,
			})
		},
		targetFn: func() Status { return target },
	})
}

type adminOperation struct {
	name     string
	allowed  func(Status) bool
	check    func(p *paymentDatamodel.Payment) error
	call     func(ctx context.Context, gatewayID string) (*paymentgatewaytypes.StatusResponse, error)
	target   Status
	targetFn func() Status
}

func (s *Service) adminTransition(ctx context.Context, ref string, op adminOperation) (*PaymentView, error) {
	p, err := s.repo.GetByReference(ctx, ref)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	if p == nil {
		return nil, internal.ErrPaymentNotFound
	}

	current := Status(p.Status)
	if !op.allowed(current) {
		return nil, internal.NewConflictError(
			fmt.Sprintf("cannot %s a payment in status %s", op.name, current),
			internal.ErrCodeInvalidPaymentStatus)
	}
	if op.check != nil {
		if err := op.check(p); err != nil {
			return nil, err
		}
	}

	gctx, cancel := internal.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	resp, err := op.call(gctx, p.OrderID)
	if err != nil {
		s.log(ctx).Error("gateway "+op.name+" failed", "order_id", p.OrderID, "error", err)
		if errors.Is(err, paymentgateway.ErrRejected) {
			return nil, internal.NewConflictError(fmt.Sprintf("gateway refused to %s the transaction", op.name), internal.ErrCodeInvalidPaymentStatus).WithCause(err)
		}
		return nil, internal.NewGatewayError("failed to "+op.name+" payment", err)
	}

	target := op.target
	if op.targetFn != nil {
		target = op.targetFn()
	}
	raw, _ := json.Marshal(resp)

	var (
		updated  *paymentDatamodel.Payment
		previous Status
		changed  bool
	)
	err = s.repo.Transaction(ctx, func(tx TxRepository) error {
		locked, err := tx.FindPaymentForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if locked == nil {
			return internal.ErrPaymentNotFound
		}
		updated = locked
		previous = Status(locked.Status)
		if previous == target && target != StatusPartialRefund {
			return nil
		}

		locked.Status = string(target)
		locked.GatewayResponse = raw
		locked.UpdatedAt = s.now()
		changed = true
		return tx.UpdatePayment(ctx, locked)
	})
	if err != nil {
		// the gateway already accepted the operation; the next verify or
		// notification will bring the local record in line
		s.log(ctx).Error("gateway "+op.name+" succeeded but local update failed", "order_id", p.OrderID, "error", err)
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		return nil, internal.NewInternalError("failed to record "+op.name, err)
	}

	if changed {
		s.record(previous, target, SourceAdmin)
		s.publish(ctx, []events.Event{events.NewPaymentStatusChangedEvent(
			updated.ID, updated.OrderID, updated.TransactionID, updated.EnrollmentID, string(previous), string(target), SourceAdmin)})
	}
	s.log(ctx).Info("payment "+op.name+" recorded",
		"order_id", updated.OrderID,
		"old_status", previous,
		"new_status", target)

	return NewPaymentView(updated), nil
}

// GetPayment returns the payment matching a transaction id or order id.
func (s *Service) GetPayment(ctx context.Context, ref string) (*PaymentView, error) {
	p, err := s.repo.GetByReference(ctx, ref)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	if p == nil {
		return nil, internal.ErrPaymentNotFound
	}
	return NewPaymentView(p), nil
}

func (s *Service) GetStats(ctx context.Context) (*StatsResponse, error) {
	if s.reports == nil {
		return nil, internal.NewInternalError("payment reports are not configured", nil)
	}
	summaries, err := s.reports.StatusSummary(ctx)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment stats", err)
	}

	resp := &StatsResponse{Statuses: summaries}
	for _, summary := range summaries {
		resp.TotalCount += summary.Count
		resp.TotalAmount += summary.Amount
	}
	return resp, nil
}

// StalePayments lists order ids of pending payments created before olderThan.
func (s *Service) StalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	payments, err := s.repo.ListStalePending(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}

	refs := make([]string, 0, len(payments))
	for _, p := range payments {
		refs = append(refs, p.OrderID)
	}
	return refs, nil
}

func (s *Service) GetAvailablePaymentMethods() []PaymentMethod {
	return GetAvailablePaymentMethods()
}

func (s *Service) IsPaymentEligible(amount int64) bool {
	return IsPaymentEligible(amount)
}

func (s *Service) publish(ctx context.Context, evts []events.Event) {
	if s.publisher == nil {
		return
	}
	for _, event := range evts {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log(ctx).Error("failed to publish event", "event_type", event.EventType(), "event_id", event.EventID(), "error", err)
		}
	}
}

func (s *Service) record(from, to Status, source string) {
	if s.recorder != nil {
		s.recorder.RecordTransition(string(from), string(to), source)
	}
}
