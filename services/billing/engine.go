package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"loyaltycore/pkg/money"
)

// The engine is a pure function of the payment and invoice collections. It
// holds no state and touches no storage, so it can be re-run after any write
// and always agrees with history.

// IntegrityIssue records a condition that should never occur in healthy data,
// such as applications exceeding an original payment's face value. The engine
// clamps the arithmetic but reports the issue instead of hiding it.
type IntegrityIssue struct {
	PartnerID int64
	PaymentID int64
	Applied   decimal.Decimal
	Amount    decimal.Decimal
	Message   string
}

func (i IntegrityIssue) String() string {
	return fmt.Sprintf("payment %d (partner %d): %s (applied=%s amount=%s)",
		i.PaymentID, i.PartnerID, i.Message, i.Applied.String(), i.Amount.String())
}

// AppliedAmount sums the valid applications among an original's derived rows.
// Derived rows targeting neither an invoice nor a billing cycle are skipped.
func AppliedAmount(derived []Payment) decimal.Decimal {
	amounts := make([]decimal.Decimal, 0, len(derived))
	for _, d := range derived {
		if !d.IsValidApplication() {
			continue
		}
		amounts = append(amounts, d.Amount)
	}
	return money.Sum(amounts)
}

// RemainingAmount is the unapplied remainder of an original payment, floored
// at zero. An over-applied original comes back with a non-nil issue.
func RemainingAmount(original Payment, derived []Payment) (decimal.Decimal, *IntegrityIssue) {
	applied := AppliedAmount(derived)
	remaining := original.Amount.Sub(applied)

	var issue *IntegrityIssue
	if remaining.IsNegative() {
		issue = &IntegrityIssue{
			PartnerID: original.PartnerID,
			PaymentID: original.ID,
			Applied:   applied,
			Amount:    original.Amount,
			Message:   "applied amount exceeds the original payment",
		}
	}
	return money.FloorZero(remaining), issue
}

// Snapshot is the point-in-time reconciliation of a partner's payments and
// pending invoices. There is no stored balance anywhere; every field here is
// recomputed on each call.
type Snapshot struct {
	CreditBalance      decimal.Decimal  `json:"credit_balance"`
	TotalPaid          decimal.Decimal  `json:"total_paid"`
	TotalPending       decimal.Decimal  `json:"total_pending"`
	OutstandingBalance decimal.Decimal  `json:"outstanding_balance"`
	AvailableCredit    decimal.Decimal  `json:"available_credit"`
	Currency           string           `json:"currency"`
	LastPaymentDate    *time.Time       `json:"last_payment_date,omitempty"`
	LastPaymentAmount  *decimal.Decimal `json:"last_payment_amount,omitempty"`
	IntegrityIssues    int              `json:"integrity_issues"`
}

// ComputeSnapshot folds settled originals, their derived applications and the
// pending invoices into a balance snapshot. The result does not depend on the
// order of any input collection.
func ComputeSnapshot(originals []Payment, derivedByPayment map[int64][]Payment, pendingInvoices []Invoice) (Snapshot, []IntegrityIssue) {
	var (
		creditBalance = decimal.Zero
		totalPaid     = decimal.Zero
		issues        []IntegrityIssue
		last          *Payment
		currency      string
	)

	for i := range originals {
		p := originals[i]
		if !p.IsOriginal() || !p.IsSettled() {
			continue
		}

		remaining, issue := RemainingAmount(p, derivedByPayment[p.ID])
		if issue != nil {
			issues = append(issues, *issue)
		}

		creditBalance = creditBalance.Add(remaining)
		totalPaid = totalPaid.Add(p.Amount)

		if currency == "" {
			currency = p.Currency
		}
		if last == nil || p.PaymentDate.After(last.PaymentDate) {
			last = &originals[i]
		}
	}

	totalPending := decimal.Zero
	for _, inv := range pendingInvoices {
		if inv.Status != InvoicePending {
			continue
		}
		totalPending = totalPending.Add(inv.Total)
	}

	creditBalance = money.Round2(creditBalance)

	snapshot := Snapshot{
		CreditBalance:      creditBalance,
		TotalPaid:          money.Round2(totalPaid),
		TotalPending:       money.Round2(totalPending),
		OutstandingBalance: money.FloorZero(totalPending.Sub(creditBalance)),
		AvailableCredit:    money.FloorZero(creditBalance.Sub(totalPending)),
		Currency:           currency,
		IntegrityIssues:    len(issues),
	}

	if last != nil {
		date := last.PaymentDate
		amount := last.Amount
		snapshot.LastPaymentDate = &date
		snapshot.LastPaymentAmount = &amount
	}

	return snapshot, issues
}

// PaymentSummary is one original payment with its application arithmetic, as
// surfaced on the partner balance endpoint.
type PaymentSummary struct {
	PaymentID    int64           `json:"payment_id"`
	Reference    string          `json:"reference"`
	Status       PaymentStatus   `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Applied      decimal.Decimal `json:"applied"`
	Remaining    decimal.Decimal `json:"remaining"`
	FullyApplied bool            `json:"fully_applied"`
	PaymentDate  time.Time       `json:"payment_date"`
}

// SummarizePayment folds one original and its derived rows into a summary.
// A remainder within the application tolerance counts as fully applied.
func SummarizePayment(original Payment, derived []Payment) PaymentSummary {
	applied := AppliedAmount(derived)
	remaining, _ := RemainingAmount(original, derived)

	return PaymentSummary{
		PaymentID:    original.ID,
		Reference:    original.Reference,
		Status:       original.Status,
		Amount:       original.Amount,
		Applied:      money.Round2(applied),
		Remaining:    money.Round2(remaining),
		FullyApplied: money.WithinTolerance(original.Amount.Sub(applied)),
		PaymentDate:  original.PaymentDate,
	}
}
