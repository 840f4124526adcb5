package points

import (
	"time"

	"gorm.io/datatypes"

	"loyaltycore/pkg/errutil"
)

// TransactionParams carries everything a factory may need; each factory picks
// the fields its type allows and rejects the rest.
type TransactionParams struct {
	TenantID       int64
	CustomerID     int64
	MembershipID   int64
	PointsDelta    int64
	IdempotencyKey string

	SourceEventID           *string
	CorrelationID           *string
	CreatedBy               *string
	ReasonCode              *string
	ProgramID               *int64
	RewardRuleID            *int64
	RewardID                *int64
	ReversalOfTransactionID *int64
	BranchID                *int64
	ExpiresAt               *time.Time
	Metadata                datatypes.JSONMap
}

func (p TransactionParams) validateSubject() error {
	details := make([]errutil.Detail, 0)
	if p.TenantID <= 0 {
		details = append(details, errutil.Detail{Field: "tenant_id", Message: "must be a positive id"})
	}
	if p.CustomerID <= 0 {
		details = append(details, errutil.Detail{Field: "customer_id", Message: "must be a positive id"})
	}
	if p.MembershipID <= 0 {
		details = append(details, errutil.Detail{Field: "membership_id", Message: "must be a positive id"})
	}
	if p.IdempotencyKey == "" {
		details = append(details, errutil.Detail{Field: "idempotency_key", Message: "is required"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid transaction subject", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (p TransactionParams) base(t TransactionType) *PointsTransaction {
	return &PointsTransaction{
		TenantID:       p.TenantID,
		CustomerID:     p.CustomerID,
		MembershipID:   p.MembershipID,
		Type:           t,
		PointsDelta:    p.PointsDelta,
		IdempotencyKey: p.IdempotencyKey,
		SourceEventID:  p.SourceEventID,
		CorrelationID:  p.CorrelationID,
		CreatedBy:      p.CreatedBy,
		ReasonCode:     p.ReasonCode,
		BranchID:       p.BranchID,
		Metadata:       p.Metadata,
	}
}

// NewEarning builds an EARNING row. Only earnings may carry an expiry.
func NewEarning(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.PointsDelta <= 0 {
		return nil, errutil.ValidationFailed("EARNING transactions must have positive pointsDelta", nil,
			errutil.WithDetails(errutil.Detail{Field: "points_delta", Message: "must be > 0"}))
	}

	tx := p.base(Earning)
	tx.ProgramID = p.ProgramID
	tx.RewardRuleID = p.RewardRuleID
	tx.ExpiresAt = p.ExpiresAt
	return tx, nil
}

func NewRedeem(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.PointsDelta >= 0 {
		return nil, errutil.ValidationFailed("REDEEM transactions must have negative pointsDelta", nil,
			errutil.WithDetails(errutil.Detail{Field: "points_delta", Message: "must be < 0"}))
	}
	if p.RewardID == nil || *p.RewardID <= 0 {
		return nil, errutil.ValidationFailed("REDEEM transactions must have a valid rewardId", nil,
			errutil.WithDetails(errutil.Detail{Field: "reward_id", Message: "must be a positive id"}))
	}
	if p.ExpiresAt != nil {
		return nil, errOnlyEarningExpires()
	}

	tx := p.base(Redeem)
	tx.ProgramID = p.ProgramID
	tx.RewardID = p.RewardID
	return tx, nil
}

func NewAdjustment(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.PointsDelta == 0 {
		return nil, errutil.ValidationFailed("ADJUSTMENT transactions must have non-zero pointsDelta", nil,
			errutil.WithDetails(errutil.Detail{Field: "points_delta", Message: "must not be 0"}))
	}
	if p.ExpiresAt != nil {
		return nil, errOnlyEarningExpires()
	}

	return p.base(Adjustment), nil
}

// NewReversal builds the marker row for reversing another transaction. The
// marker itself never moves points: PointsDelta is forced to zero no matter
// what the caller supplied; the compensation is a separate ADJUSTMENT.
func NewReversal(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.ReversalOfTransactionID == nil || *p.ReversalOfTransactionID <= 0 {
		return nil, errutil.ValidationFailed("REVERSAL transactions must reference the reversed transaction", nil,
			errutil.WithDetails(errutil.Detail{Field: "reversal_of_transaction_id", Message: "must be a positive id"}))
	}
	if p.ExpiresAt != nil {
		return nil, errOnlyEarningExpires()
	}

	tx := p.base(Reversal)
	tx.PointsDelta = 0
	tx.ReversalOfTransactionID = p.ReversalOfTransactionID
	return tx, nil
}

func NewExpiration(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.PointsDelta >= 0 {
		return nil, errutil.ValidationFailed("EXPIRATION transactions must have negative pointsDelta", nil,
			errutil.WithDetails(errutil.Detail{Field: "points_delta", Message: "must be < 0"}))
	}
	if p.ExpiresAt != nil {
		return nil, errOnlyEarningExpires()
	}

	return p.base(Expiration), nil
}

func NewHold(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.PointsDelta >= 0 {
		return nil, errutil.ValidationFailed("HOLD transactions must have negative pointsDelta", nil,
			errutil.WithDetails(errutil.Detail{Field: "points_delta", Message: "must be < 0"}))
	}
	if p.ExpiresAt != nil {
		return nil, errOnlyEarningExpires()
	}

	return p.base(Hold), nil
}

func NewRelease(p TransactionParams) (*PointsTransaction, error) {
	if err := p.validateSubject(); err != nil {
		return nil, err
	}
	if p.PointsDelta <= 0 {
		return nil, errutil.ValidationFailed("RELEASE transactions must have positive pointsDelta", nil,
			errutil.WithDetails(errutil.Detail{Field: "points_delta", Message: "must be > 0"}))
	}
	if p.ExpiresAt != nil {
		return nil, errOnlyEarningExpires()
	}

	return p.base(Release), nil
}

// NewTransaction dispatches to the factory for the given type.
func NewTransaction(t TransactionType, p TransactionParams) (*PointsTransaction, error) {
	switch t {
	case Earning:
		return NewEarning(p)
	case Redeem:
		return NewRedeem(p)
	case Adjustment:
		return NewAdjustment(p)
	case Reversal:
		return NewReversal(p)
	case Expiration:
		return NewExpiration(p)
	case Hold:
		return NewHold(p)
	case Release:
		return NewRelease(p)
	default:
		return nil, errutil.ValidationFailed("unsupported transaction type", nil,
			errutil.WithDetails(errutil.Detail{Field: "type", Message: "unknown type " + string(t)}))
	}
}

func errOnlyEarningExpires() error {
	return errutil.ValidationFailed("only EARNING transactions may carry expiresAt", nil,
		errutil.WithDetails(errutil.Detail{Field: "expires_at", Message: "allowed only on EARNING"}))
}
