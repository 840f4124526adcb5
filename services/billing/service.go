package billing

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"loyaltycore/pkg/db/option"
	"loyaltycore/pkg/errutil"
	"loyaltycore/pkg/money"
	"loyaltycore/pkg/repository"
	"loyaltycore/pkg/sequence"
)

type Service struct {
	db  *gorm.DB
	seq sequence.Generator

	payments repository.Repository[Payment]
	invoices repository.Repository[Invoice]
	cycles   repository.Repository[BillingCycle]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Sequence sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:  p.DB,
		seq: p.Sequence,

		payments: repository.ProvideStore[Payment](p.DB),
		invoices: repository.ProvideStore[Invoice](p.DB),
		cycles:   repository.ProvideStore[BillingCycle](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type RegisterPaymentParams struct {
	PartnerID      int64
	SubscriptionID *int64
	Amount         decimal.Decimal
	Currency       string
	PaymentDate    time.Time
	Metadata       datatypes.JSONMap
}

// RegisterPayment records an original payment awaiting validation. The
// reference code comes from the redis-backed sequence so retries never mint
// two codes for one payment row.
func (s *Service) RegisterPayment(ctx context.Context, p RegisterPaymentParams) (*Payment, error) {
	opts := traceFields(ctx)

	if p.PartnerID <= 0 {
		return nil, errutil.ValidationFailed("partner id is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "partner_id", Message: "must be a positive id"}))
	}
	if !p.Amount.IsPositive() {
		return nil, errutil.ValidationFailed("payment amount must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be > 0"}))
	}

	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	paymentDate := p.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = time.Now()
	}

	reference, err := s.seq.NextPaymentReference(ctx, strconv.FormatInt(p.PartnerID, 10))
	if err != nil {
		zap.L().With(opts...).Error("failed to generate payment reference", zap.Error(err))
		return nil, errutil.Internal("failed to generate payment reference", err)
	}

	payment := &Payment{
		PartnerID:      p.PartnerID,
		SubscriptionID: p.SubscriptionID,
		Amount:         money.Round2(p.Amount),
		Currency:       currency,
		Status:         PaymentPendingValidation,
		PaymentDate:    paymentDate,
		Reference:      reference,
		Metadata:       p.Metadata,
	}

	if err := s.payments.Create(ctx, payment); err != nil {
		zap.L().With(opts...).Error("failed to register payment", zap.Error(err))
		return nil, err
	}
	return payment, nil
}

// ValidatePayment flips a pending original to validated so it starts counting
// toward the partner's credit balance.
func (s *Service) ValidatePayment(ctx context.Context, paymentID int64) (*Payment, error) {
	payment, err := s.payments.FindOne(ctx, &Payment{ID: paymentID})
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, errutil.NotFound("payment not found", nil)
	}
	if payment.Status != PaymentPendingValidation && payment.Status != PaymentPending {
		return nil, errutil.UnprocessableEntity("payment is not awaiting validation", nil)
	}

	if err := s.payments.Update(ctx, strconv.FormatInt(paymentID, 10), &Payment{Status: PaymentValidated}); err != nil {
		return nil, err
	}
	return s.payments.FindOne(ctx, &Payment{ID: paymentID})
}

type ApplyPaymentParams struct {
	PartnerID      int64
	Amount         decimal.Decimal
	InvoiceID      *int64
	BillingCycleID *int64
}

// ApplyPayment splits part of a settled original against one invoice or
// billing cycle by inserting a derived row. The original is locked for the
// duration so concurrent applications cannot jointly exceed its amount.
func (s *Service) ApplyPayment(ctx context.Context, originalID int64, p ApplyPaymentParams) (*Payment, error) {
	opts := traceFields(ctx)

	if !p.Amount.IsPositive() {
		return nil, errutil.ValidationFailed("application amount must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be > 0"}))
	}
	if p.InvoiceID == nil && p.BillingCycleID == nil {
		return nil, errutil.ValidationFailed("an application must target an invoice or a billing cycle", nil,
			errutil.WithDetails(errutil.Detail{Field: "invoice_id", Message: "one of invoice_id or billing_cycle_id is required"}))
	}

	var derived *Payment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		original, err := s.payments.WithTrx(tx).FindOne(ctx, &Payment{
			ID: originalID, PartnerID: p.PartnerID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if original == nil {
			return errutil.NotFound("payment not found", nil)
		}
		if original.IsDerived() {
			return errutil.UnprocessableEntity("a derived payment cannot be applied again", nil)
		}
		if !original.IsSettled() {
			return errutil.UnprocessableEntity("only settled payments can be applied", nil)
		}

		if p.InvoiceID != nil {
			invoice, err := s.invoices.WithTrx(tx).FindOne(ctx, &Invoice{ID: *p.InvoiceID, PartnerID: p.PartnerID})
			if err != nil {
				return err
			}
			if invoice == nil {
				return errutil.NotFound("invoice not found", nil)
			}
		}
		if p.BillingCycleID != nil {
			cycle, err := s.cycles.WithTrx(tx).FindOne(ctx, &BillingCycle{ID: *p.BillingCycleID, PartnerID: p.PartnerID})
			if err != nil {
				return err
			}
			if cycle == nil {
				return errutil.NotFound("billing cycle not found", nil)
			}
		}

		children, err := s.settledDerived(ctx, tx, originalID)
		if err != nil {
			return err
		}

		applied := AppliedAmount(children)
		if applied.Add(p.Amount).GreaterThan(original.Amount) {
			remaining, _ := RemainingAmount(*original, children)
			zap.L().With(opts...).Warn("application would exceed original payment",
				zap.Int64("payment_id", originalID),
				zap.String("remaining", remaining.String()),
				zap.String("requested", p.Amount.String()))
			return errutil.UnprocessableEntity("application exceeds the payment's remaining amount", nil)
		}

		reference, err := s.seq.NextPaymentReference(ctx, strconv.FormatInt(p.PartnerID, 10))
		if err != nil {
			return errutil.Internal("failed to generate payment reference", err)
		}

		derived = &Payment{
			PartnerID:         original.PartnerID,
			SubscriptionID:    original.SubscriptionID,
			Amount:            money.Round2(p.Amount),
			Currency:          original.Currency,
			Status:            PaymentValidated,
			PaymentDate:       time.Now(),
			Reference:         reference,
			InvoiceID:         p.InvoiceID,
			BillingCycleID:    p.BillingCycleID,
			OriginalPaymentID: &originalID,
		}
		if err := s.payments.WithTrx(tx).Create(ctx, derived); err != nil {
			return err
		}

		if p.BillingCycleID != nil {
			if err := s.bumpCyclePaid(ctx, tx, *p.BillingCycleID, p.Amount); err != nil {
				return err
			}
		}
		if p.InvoiceID != nil {
			if err := s.settleInvoiceIfCovered(ctx, tx, *p.InvoiceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return derived, nil
}

func (s *Service) bumpCyclePaid(ctx context.Context, tx *gorm.DB, cycleID int64, amount decimal.Decimal) error {
	updates := map[string]any{
		"paid_amount": gorm.Expr("paid_amount + ?", amount),
		"updated_at":  time.Now(),
	}
	return s.cycles.WithTrx(tx).Update(ctx, strconv.FormatInt(cycleID, 10), updates)
}

// settleInvoiceIfCovered marks an invoice paid once the settled applications
// against it reach its total.
func (s *Service) settleInvoiceIfCovered(ctx context.Context, tx *gorm.DB, invoiceID int64) error {
	invoice, err := s.invoices.WithTrx(tx).FindOne(ctx, &Invoice{ID: invoiceID})
	if err != nil || invoice == nil {
		return err
	}

	applications, err := s.payments.WithTrx(tx).Find(ctx, &Payment{InvoiceID: &invoiceID})
	if err != nil {
		return err
	}

	covered := decimal.Zero
	for _, a := range applications {
		if a.IsValidApplication() && a.IsSettled() {
			covered = covered.Add(a.Amount)
		}
	}

	if covered.GreaterThanOrEqual(invoice.Total) {
		return s.invoices.WithTrx(tx).Update(ctx, strconv.FormatInt(invoiceID, 10), &Invoice{Status: InvoicePaid})
	}
	return nil
}

// reopenInvoiceIfUncovered flips a paid invoice back to pending when the
// settled applications against it no longer reach its total, so cancelling an
// application never leaves the money counted on both sides.
func (s *Service) reopenInvoiceIfUncovered(ctx context.Context, tx *gorm.DB, invoiceID int64) error {
	invoice, err := s.invoices.WithTrx(tx).FindOne(ctx, &Invoice{ID: invoiceID})
	if err != nil || invoice == nil {
		return err
	}
	if invoice.Status != InvoicePaid {
		return nil
	}

	applications, err := s.payments.WithTrx(tx).Find(ctx, &Payment{InvoiceID: &invoiceID})
	if err != nil {
		return err
	}

	covered := decimal.Zero
	for _, a := range applications {
		if a.IsValidApplication() && a.IsSettled() {
			covered = covered.Add(a.Amount)
		}
	}

	if covered.LessThan(invoice.Total) {
		return s.invoices.WithTrx(tx).Update(ctx, strconv.FormatInt(invoiceID, 10), &Invoice{Status: InvoicePending})
	}
	return nil
}

// DeletePayment is the administrative removal path. History is never
// physically deleted; the row is cancelled so reconciliation stops counting
// it. An original with derived children cannot be removed at all, since that
// would orphan the applications.
func (s *Service) DeletePayment(ctx context.Context, paymentID int64) (*Payment, error) {
	opts := traceFields(ctx)

	var cancelled *Payment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		payment, err := s.payments.WithTrx(tx).FindOne(ctx, &Payment{ID: paymentID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if payment == nil {
			return errutil.NotFound("payment not found", nil)
		}
		if payment.Status == PaymentCancelled {
			cancelled = payment
			return nil
		}

		if payment.IsOriginal() {
			children, err := s.payments.WithTrx(tx).Find(ctx, &Payment{OriginalPaymentID: &paymentID})
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return errutil.Conflict("payment has derived applications and cannot be removed", nil)
			}
		}

		wasSettledApplication := payment.IsValidApplication() && payment.IsSettled()

		if err := s.payments.WithTrx(tx).Update(ctx, strconv.FormatInt(paymentID, 10), &Payment{Status: PaymentCancelled}); err != nil {
			return err
		}

		if wasSettledApplication && payment.BillingCycleID != nil {
			if err := s.bumpCyclePaid(ctx, tx, *payment.BillingCycleID, payment.Amount.Neg()); err != nil {
				return err
			}
		}
		if wasSettledApplication && payment.InvoiceID != nil {
			if err := s.reopenInvoiceIfUncovered(ctx, tx, *payment.InvoiceID); err != nil {
				return err
			}
		}

		cancelled, err = s.payments.WithTrx(tx).FindOne(ctx, &Payment{ID: paymentID})
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(opts...).Info("payment cancelled", zap.Int64("payment_id", paymentID))
	return cancelled, nil
}

// InvoiceSummary is one pending invoice on the balance response.
type InvoiceSummary struct {
	InvoiceID int64           `json:"invoice_id"`
	Number    string          `json:"number"`
	Total     decimal.Decimal `json:"total"`
	DueDate   time.Time       `json:"due_date"`
}

// CycleSummary is one partially paid billing cycle with the settled payments
// applied to it.
type CycleSummary struct {
	CycleID     int64            `json:"cycle_id"`
	CycleNumber int              `json:"cycle_number"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	PaidAmount  decimal.Decimal  `json:"paid_amount"`
	DueDate     time.Time        `json:"due_date"`
	Payments    []PaymentSummary `json:"payments"`
}

// PartnerBalance is the full reconciliation response: the snapshot plus the
// reporting blocks the billing dashboard reads.
type PartnerBalance struct {
	Snapshot Snapshot `json:"snapshot"`

	RecentPayments  []PaymentSummary `json:"recent_payments"`
	PendingInvoices []InvoiceSummary `json:"pending_invoices"`

	TotalPendingValidation    decimal.Decimal  `json:"total_pending_validation"`
	PendingValidationPayments []PaymentSummary `json:"pending_validation_payments"`
	TotalRejected             decimal.Decimal  `json:"total_rejected"`
	RejectedPayments          []PaymentSummary `json:"rejected_payments"`

	PartiallyPaidCycles []CycleSummary `json:"partially_paid_cycles"`
}

const (
	recentPaymentsLimit  = 10
	pendingInvoicesLimit = 10
	partialCyclesLimit   = 5
)

// GetPartnerBalance recomputes the partner's money position from history.
// Integrity issues found along the way are logged and counted on the
// snapshot, never folded into a silent zero.
func (s *Service) GetPartnerBalance(ctx context.Context, partnerID int64) (*PartnerBalance, error) {
	opts := traceFields(ctx)

	all, err := s.payments.Find(ctx, &Payment{PartnerID: partnerID})
	if err != nil {
		zap.L().With(opts...).Error("failed to load partner payments", zap.Error(err))
		return nil, err
	}

	var originals []Payment
	derivedByPayment := make(map[int64][]Payment)
	for _, p := range all {
		if p.IsDerived() {
			if p.IsValidApplication() && p.IsSettled() {
				derivedByPayment[*p.OriginalPaymentID] = append(derivedByPayment[*p.OriginalPaymentID], *p)
			}
			continue
		}
		originals = append(originals, *p)
	}

	pendingInvoices, err := s.invoices.Find(ctx, &Invoice{PartnerID: partnerID, Status: InvoicePending},
		option.WithSortBy(option.QuerySortBy{SortBy: "due_date", OrderBy: "asc", Allow: map[string]bool{"due_date": true}}))
	if err != nil {
		return nil, err
	}

	invoices := make([]Invoice, 0, len(pendingInvoices))
	for _, inv := range pendingInvoices {
		invoices = append(invoices, *inv)
	}

	snapshot, issues := ComputeSnapshot(originals, derivedByPayment, invoices)
	for _, issue := range issues {
		zap.L().With(opts...).Error("payment application integrity violation",
			zap.Int64("partner_id", issue.PartnerID),
			zap.Int64("payment_id", issue.PaymentID),
			zap.String("applied", issue.Applied.String()),
			zap.String("amount", issue.Amount.String()))
	}

	balance := &PartnerBalance{
		Snapshot:               snapshot,
		TotalPendingValidation: decimal.Zero,
		TotalRejected:          decimal.Zero,
	}

	var settled []Payment
	for _, p := range originals {
		switch {
		case p.IsSettled():
			settled = append(settled, p)
		case p.Status == PaymentPendingValidation || p.Status == PaymentPending:
			balance.TotalPendingValidation = balance.TotalPendingValidation.Add(p.Amount)
			balance.PendingValidationPayments = append(balance.PendingValidationPayments, SummarizePayment(p, nil))
		case p.Status == PaymentRejected:
			balance.TotalRejected = balance.TotalRejected.Add(p.Amount)
			balance.RejectedPayments = append(balance.RejectedPayments, SummarizePayment(p, nil))
		}
	}

	sort.SliceStable(settled, func(i, j int) bool {
		return settled[i].PaymentDate.After(settled[j].PaymentDate)
	})
	for i, p := range settled {
		if i == recentPaymentsLimit {
			break
		}
		balance.RecentPayments = append(balance.RecentPayments, SummarizePayment(p, derivedByPayment[p.ID]))
	}

	for i, inv := range invoices {
		if i == pendingInvoicesLimit {
			break
		}
		balance.PendingInvoices = append(balance.PendingInvoices, InvoiceSummary{
			InvoiceID: inv.ID,
			Number:    inv.Number,
			Total:     inv.Total,
			DueDate:   inv.DueDate,
		})
	}

	cycles, err := s.partiallyPaidCycles(ctx, partnerID, all)
	if err != nil {
		return nil, err
	}
	balance.PartiallyPaidCycles = cycles

	balance.TotalPendingValidation = money.Round2(balance.TotalPendingValidation)
	balance.TotalRejected = money.Round2(balance.TotalRejected)
	return balance, nil
}

func (s *Service) partiallyPaidCycles(ctx context.Context, partnerID int64, payments []*Payment) ([]CycleSummary, error) {
	rows, err := s.cycles.Find(ctx, &BillingCycle{PartnerID: partnerID},
		option.WithSortBy(option.QuerySortBy{SortBy: "due_date", OrderBy: "asc", Allow: map[string]bool{"due_date": true}}))
	if err != nil {
		return nil, err
	}

	var summaries []CycleSummary
	for _, cycle := range rows {
		if !cycle.IsPartiallyPaid() {
			continue
		}
		if len(summaries) == partialCyclesLimit {
			break
		}

		summary := CycleSummary{
			CycleID:     cycle.ID,
			CycleNumber: cycle.CycleNumber,
			TotalAmount: cycle.TotalAmount,
			PaidAmount:  cycle.PaidAmount,
			DueDate:     cycle.DueDate,
		}
		for _, p := range payments {
			if p.BillingCycleID != nil && *p.BillingCycleID == cycle.ID && p.IsSettled() {
				summary.Payments = append(summary.Payments, SummarizePayment(*p, nil))
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) settledDerived(ctx context.Context, tx *gorm.DB, originalID int64) ([]Payment, error) {
	rows, err := s.payments.WithTrx(tx).Find(ctx, &Payment{OriginalPaymentID: &originalID})
	if err != nil {
		return nil, err
	}

	children := make([]Payment, 0, len(rows))
	for _, row := range rows {
		if row.IsValidApplication() && row.IsSettled() {
			children = append(children, *row)
		}
	}
	return children, nil
}
