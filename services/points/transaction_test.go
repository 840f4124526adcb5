package points

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loyaltycore/pkg/errutil"
)

func validParams() TransactionParams {
	return TransactionParams{
		TenantID:       1,
		CustomerID:     2,
		MembershipID:   3,
		IdempotencyKey: "key-1",
	}
}

func requireValidationFailed(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusValidationFailed, be.Status())
}

func TestNewEarning(t *testing.T) {
	expires := time.Now().AddDate(1, 0, 0)

	p := validParams()
	p.PointsDelta = 100
	p.ExpiresAt = &expires

	tx, err := NewEarning(p)
	require.NoError(t, err)
	require.Equal(t, Earning, tx.Type)
	require.Equal(t, int64(100), tx.PointsDelta)
	require.NotNil(t, tx.ExpiresAt)
}

func TestNewEarningRejectsNonPositiveDelta(t *testing.T) {
	for _, delta := range []int64{0, -10} {
		p := validParams()
		p.PointsDelta = delta

		_, err := NewEarning(p)
		requireValidationFailed(t, err)
		require.Contains(t, err.Error(), "EARNING transactions must have positive pointsDelta")
	}
}

func TestNewRedeem(t *testing.T) {
	rewardID := int64(7)

	p := validParams()
	p.PointsDelta = -50
	p.RewardID = &rewardID

	tx, err := NewRedeem(p)
	require.NoError(t, err)
	require.Equal(t, Redeem, tx.Type)
	require.Equal(t, int64(-50), tx.PointsDelta)
}

func TestNewRedeemRejectsNonNegativeDelta(t *testing.T) {
	rewardID := int64(7)

	for _, delta := range []int64{0, 50} {
		p := validParams()
		p.PointsDelta = delta
		p.RewardID = &rewardID

		_, err := NewRedeem(p)
		requireValidationFailed(t, err)
		require.Contains(t, err.Error(), "REDEEM transactions must have negative pointsDelta")
	}
}

func TestNewRedeemRequiresReward(t *testing.T) {
	p := validParams()
	p.PointsDelta = -50

	_, err := NewRedeem(p)
	requireValidationFailed(t, err)
	require.Contains(t, err.Error(), "REDEEM transactions must have a valid rewardId")
}

func TestNewAdjustmentRejectsZeroDelta(t *testing.T) {
	p := validParams()

	_, err := NewAdjustment(p)
	requireValidationFailed(t, err)
	require.Contains(t, err.Error(), "ADJUSTMENT transactions must have non-zero pointsDelta")
}

func TestNewAdjustmentAcceptsEitherSign(t *testing.T) {
	for _, delta := range []int64{25, -25} {
		p := validParams()
		p.PointsDelta = delta

		tx, err := NewAdjustment(p)
		require.NoError(t, err)
		require.Equal(t, delta, tx.PointsDelta)
	}
}

func TestNewReversalForcesZeroDelta(t *testing.T) {
	reversed := int64(42)

	p := validParams()
	p.PointsDelta = 9999
	p.ReversalOfTransactionID = &reversed

	tx, err := NewReversal(p)
	require.NoError(t, err)
	require.Equal(t, Reversal, tx.Type)
	require.Equal(t, int64(0), tx.PointsDelta)
	require.Equal(t, reversed, *tx.ReversalOfTransactionID)
}

func TestNewReversalRequiresReference(t *testing.T) {
	_, err := NewReversal(validParams())
	requireValidationFailed(t, err)
}

func TestNewExpirationRejectsNonNegativeDelta(t *testing.T) {
	for _, delta := range []int64{0, 10} {
		p := validParams()
		p.PointsDelta = delta

		_, err := NewExpiration(p)
		requireValidationFailed(t, err)
		require.Contains(t, err.Error(), "EXPIRATION transactions must have negative pointsDelta")
	}
}

func TestNewHoldRejectsNonNegativeDelta(t *testing.T) {
	p := validParams()
	p.PointsDelta = 10

	_, err := NewHold(p)
	requireValidationFailed(t, err)
	require.Contains(t, err.Error(), "HOLD transactions must have negative pointsDelta")
}

func TestNewReleaseRejectsNonPositiveDelta(t *testing.T) {
	p := validParams()
	p.PointsDelta = -10

	_, err := NewRelease(p)
	requireValidationFailed(t, err)
	require.Contains(t, err.Error(), "RELEASE transactions must have positive pointsDelta")
}

func TestOnlyEarningMayCarryExpiry(t *testing.T) {
	expires := time.Now().AddDate(1, 0, 0)
	rewardID := int64(7)

	cases := []struct {
		name  string
		build func() (*PointsTransaction, error)
	}{
		{"redeem", func() (*PointsTransaction, error) {
			p := validParams()
			p.PointsDelta = -10
			p.RewardID = &rewardID
			p.ExpiresAt = &expires
			return NewRedeem(p)
		}},
		{"adjustment", func() (*PointsTransaction, error) {
			p := validParams()
			p.PointsDelta = 10
			p.ExpiresAt = &expires
			return NewAdjustment(p)
		}},
		{"expiration", func() (*PointsTransaction, error) {
			p := validParams()
			p.PointsDelta = -10
			p.ExpiresAt = &expires
			return NewExpiration(p)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build()
			requireValidationFailed(t, err)
		})
	}
}

func TestTransactionSubjectValidation(t *testing.T) {
	p := TransactionParams{PointsDelta: 10}

	_, err := NewEarning(p)
	requireValidationFailed(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Details, 4)
}

func TestNewTransactionDispatch(t *testing.T) {
	p := validParams()
	p.PointsDelta = 10

	tx, err := NewTransaction(Earning, p)
	require.NoError(t, err)
	require.Equal(t, Earning, tx.Type)

	_, err = NewTransaction(TransactionType("BONUS"), p)
	requireValidationFailed(t, err)
}
