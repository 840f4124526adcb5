package points

import (
	"time"

	"gorm.io/datatypes"
)

type TransactionType string

const (
	Earning    TransactionType = "EARNING"
	Redeem     TransactionType = "REDEEM"
	Adjustment TransactionType = "ADJUSTMENT"
	Reversal   TransactionType = "REVERSAL"
	Expiration TransactionType = "EXPIRATION"
	Hold       TransactionType = "HOLD"
	Release    TransactionType = "RELEASE"
)

func (t TransactionType) Valid() bool {
	switch t {
	case Earning, Redeem, Adjustment, Reversal, Expiration, Hold, Release:
		return true
	default:
		return false
	}
}

func (t TransactionType) String() string {
	return string(t)
}

// PointsTransaction is one immutable row in the points ledger. There is no
// updated_at column: a row is never edited after insert, corrections append
// REVERSAL or ADJUSTMENT rows that reference it.
type PointsTransaction struct {
	ID                      int64             `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt               time.Time         `gorm:"column:created_at;autoCreateTime"`
	TenantID                int64             `gorm:"column:tenant_id;index;not null"`
	CustomerID              int64             `gorm:"column:customer_id;index;not null"`
	MembershipID            int64             `gorm:"column:membership_id;index;not null"`
	Type                    TransactionType   `gorm:"column:type;type:varchar(20);not null"`
	PointsDelta             int64             `gorm:"column:points_delta;not null"`
	IdempotencyKey          string            `gorm:"column:idempotency_key;uniqueIndex;not null"`
	SourceEventID           *string           `gorm:"column:source_event_id;index"`
	CorrelationID           *string           `gorm:"column:correlation_id;index"`
	CreatedBy               *string           `gorm:"column:created_by"`
	ReasonCode              *string           `gorm:"column:reason_code"`
	ProgramID               *int64            `gorm:"column:program_id;index"`
	RewardRuleID            *int64            `gorm:"column:reward_rule_id;index"`
	RewardID                *int64            `gorm:"column:reward_id;index"`
	ReversalOfTransactionID *int64            `gorm:"column:reversal_of_transaction_id;index"`
	BranchID                *int64            `gorm:"column:branch_id;index"`
	ExpiresAt               *time.Time        `gorm:"column:expires_at;index"`
	Metadata                datatypes.JSONMap `gorm:"column:metadata"`
}

func (PointsTransaction) TableName() string {
	return "points_transactions"
}

func (t *PointsTransaction) IsEarning() bool {
	return t.Type == Earning
}

func (t *PointsTransaction) IsRedeem() bool {
	return t.Type == Redeem
}

func (t *PointsTransaction) IsReversal() bool {
	return t.Type == Reversal
}

func (t *PointsTransaction) HasExpiration() bool {
	return t.ExpiresAt != nil
}

func (t *PointsTransaction) IsExpired(now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return now.After(*t.ExpiresAt)
}
