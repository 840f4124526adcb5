package billing

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentPendingValidation PaymentStatus = "pending_validation"
	PaymentValidated         PaymentStatus = "validated"
	PaymentRejected          PaymentStatus = "rejected"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentPaid              PaymentStatus = "paid"
)

// Payment is one money movement. A row with OriginalPaymentID set is a
// derived application of that original against an invoice or billing cycle;
// the original row itself is never edited when applications are made.
type Payment struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	PartnerID      int64  `gorm:"column:partner_id;not null;index" json:"partner_id"`
	SubscriptionID *int64 `gorm:"column:subscription_id" json:"subscription_id,omitempty"`

	Amount      decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency    string          `gorm:"column:currency;type:varchar(3);not null;default:USD" json:"currency"`
	Status      PaymentStatus   `gorm:"column:status;type:varchar(30);not null;index" json:"status"`
	PaymentDate time.Time       `gorm:"column:payment_date;not null" json:"payment_date"`
	Reference   string          `gorm:"column:reference;type:varchar(64);uniqueIndex" json:"reference"`

	InvoiceID         *int64 `gorm:"column:invoice_id" json:"invoice_id,omitempty"`
	BillingCycleID    *int64 `gorm:"column:billing_cycle_id" json:"billing_cycle_id,omitempty"`
	OriginalPaymentID *int64 `gorm:"column:original_payment_id;index" json:"original_payment_id,omitempty"`

	Metadata datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p Payment) IsDerived() bool {
	return p.OriginalPaymentID != nil && *p.OriginalPaymentID > 0
}

func (p Payment) IsOriginal() bool {
	return !p.IsDerived()
}

// IsSettled reports whether the payment's money is confirmed. "paid" is the
// legacy settled status and stays accepted alongside "validated".
func (p Payment) IsSettled() bool {
	return p.Status == PaymentValidated || p.Status == PaymentPaid
}

// IsValidApplication reports whether a derived row counts toward its
// original's applied amount. A derived row targeting neither an invoice nor a
// billing cycle applies to nothing.
func (p Payment) IsValidApplication() bool {
	return p.IsDerived() && (p.BillingCycleID != nil || p.InvoiceID != nil)
}

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceVoid    InvoiceStatus = "void"
)

type Invoice struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	PartnerID int64           `gorm:"column:partner_id;not null;index" json:"partner_id"`
	Number    string          `gorm:"column:number;type:varchar(32);uniqueIndex" json:"number"`
	Total     decimal.Decimal `gorm:"column:total;type:numeric(12,2);not null" json:"total"`
	Status    InvoiceStatus   `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	DueDate   time.Time       `gorm:"column:due_date" json:"due_date"`
}

func (Invoice) TableName() string {
	return "invoices"
}

type BillingCycle struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	PartnerID   int64           `gorm:"column:partner_id;not null;index" json:"partner_id"`
	CycleNumber int             `gorm:"column:cycle_number;not null" json:"cycle_number"`
	TotalAmount decimal.Decimal `gorm:"column:total_amount;type:numeric(12,2);not null" json:"total_amount"`
	PaidAmount  decimal.Decimal `gorm:"column:paid_amount;type:numeric(12,2);not null;default:0" json:"paid_amount"`
	DueDate     time.Time       `gorm:"column:due_date" json:"due_date"`
	Status      string          `gorm:"column:status;type:varchar(20);not null" json:"status"`
}

func (BillingCycle) TableName() string {
	return "billing_cycles"
}

// IsPartiallyPaid reports a cycle that has received some money but not all of
// its total.
func (c BillingCycle) IsPartiallyPaid() bool {
	return c.PaidAmount.IsPositive() && c.PaidAmount.LessThan(c.TotalAmount)
}
