package points

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ts(day int) time.Time {
	return time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC)
}

func TestComputeBalanceFold(t *testing.T) {
	reversed := int64(2)
	txs := []PointsTransaction{
		{ID: 1, MembershipID: 3, Type: Earning, PointsDelta: 100},
		{ID: 2, MembershipID: 3, Type: Redeem, PointsDelta: -40},
		{ID: 3, MembershipID: 3, Type: Adjustment, PointsDelta: 15},
		{ID: 4, MembershipID: 3, Type: Expiration, PointsDelta: -5},
		{ID: 5, MembershipID: 3, Type: Hold, PointsDelta: -20},
		{ID: 6, MembershipID: 3, Type: Release, PointsDelta: 20},
		{ID: 7, MembershipID: 3, Type: Reversal, PointsDelta: 0, ReversalOfTransactionID: &reversed},
	}

	b := ComputeBalance(txs)
	require.Equal(t, int64(70), b.Balance)
	require.Equal(t, int64(100), b.TotalEarned)
	require.Equal(t, int64(40), b.TotalRedeemed)
	require.Equal(t, int64(15), b.TotalAdjusted)
	require.Equal(t, int64(5), b.TotalExpired)
	require.Equal(t, int64(20), b.TotalHeld)
	require.Equal(t, int64(20), b.TotalReleased)
	require.Equal(t, 7, b.Count)
}

func TestComputeBalanceOrderIndependent(t *testing.T) {
	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 100},
		{ID: 2, Type: Redeem, PointsDelta: -30},
		{ID: 3, Type: Adjustment, PointsDelta: -10},
	}
	reversedOrder := []PointsTransaction{txs[2], txs[0], txs[1]}

	require.Equal(t, ComputeBalance(txs).Balance, ComputeBalance(reversedOrder).Balance)
}

func TestComputeBalanceEmptyHistory(t *testing.T) {
	b := ComputeBalance(nil)
	require.Equal(t, int64(0), b.Balance)
	require.Equal(t, 0, b.Count)
}

func TestExpiryScheduleConsumesSoonestLotFirst(t *testing.T) {
	exp1 := ts(10)
	exp2 := ts(20)

	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 100, ExpiresAt: &exp1, CreatedAt: ts(1)},
		{ID: 2, Type: Earning, PointsDelta: 50, ExpiresAt: &exp2, CreatedAt: ts(2)},
		{ID: 3, Type: Redeem, PointsDelta: -120, CreatedAt: ts(3)},
	}

	schedule := ComputeExpirySchedule(txs, ts(5))
	require.Len(t, schedule, 1)
	require.Equal(t, int64(2), schedule[0].EarningID)
	require.Equal(t, int64(30), schedule[0].RemainingPoints)
	require.Equal(t, int64(50), schedule[0].OriginalPoints)
}

func TestExpiryScheduleAttributedExpiration(t *testing.T) {
	exp1 := ts(10)
	exp2 := ts(20)
	correlation := EarningCorrelationID(1)

	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 100, ExpiresAt: &exp1, CreatedAt: ts(1)},
		{ID: 2, Type: Earning, PointsDelta: 50, ExpiresAt: &exp2, CreatedAt: ts(2)},
		{ID: 3, Type: Expiration, PointsDelta: -100, CorrelationID: &correlation, CreatedAt: ts(11)},
	}

	schedule := ComputeExpirySchedule(txs, ts(12))
	require.Len(t, schedule, 1)
	require.Equal(t, int64(2), schedule[0].EarningID)
	require.Equal(t, int64(50), schedule[0].RemainingPoints)
}

func TestExpiryScheduleNonExpiringCreditShieldsLots(t *testing.T) {
	exp := ts(10)

	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 100, ExpiresAt: &exp, CreatedAt: ts(1)},
		{ID: 2, Type: Earning, PointsDelta: 40, CreatedAt: ts(2)},
		{ID: 3, Type: Redeem, PointsDelta: -40, CreatedAt: ts(3)},
	}

	schedule := ComputeExpirySchedule(txs, ts(5))
	require.Len(t, schedule, 1)
	require.Equal(t, int64(100), schedule[0].RemainingPoints)
}

func TestExpiryScheduleDropsExpiredAndDrainedLots(t *testing.T) {
	past := ts(2)
	future := ts(20)

	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 100, ExpiresAt: &past, CreatedAt: ts(1)},
		{ID: 2, Type: Earning, PointsDelta: 60, ExpiresAt: &future, CreatedAt: ts(1)},
		{ID: 3, Type: Redeem, PointsDelta: -160, CreatedAt: ts(3)},
	}

	schedule := ComputeExpirySchedule(txs, ts(5))
	require.Empty(t, schedule)
}

func TestExpiryScheduleLotNeverNegative(t *testing.T) {
	exp := ts(10)
	correlation := EarningCorrelationID(1)

	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 30, ExpiresAt: &exp, CreatedAt: ts(1)},
		{ID: 2, Type: Expiration, PointsDelta: -50, CorrelationID: &correlation, CreatedAt: ts(11)},
	}

	schedule := ComputeExpirySchedule(txs, ts(5))
	require.Empty(t, schedule)
}

func TestExpirableLots(t *testing.T) {
	past := ts(3)
	future := ts(20)

	txs := []PointsTransaction{
		{ID: 1, Type: Earning, PointsDelta: 100, ExpiresAt: &past, CreatedAt: ts(1)},
		{ID: 2, Type: Earning, PointsDelta: 50, ExpiresAt: &future, CreatedAt: ts(2)},
		{ID: 3, Type: Redeem, PointsDelta: -30, CreatedAt: ts(2)},
	}

	due := ExpirableLots(txs, ts(5))
	require.Len(t, due, 1)
	require.Equal(t, int64(1), due[0].EarningID)
	require.Equal(t, int64(70), due[0].RemainingPoints)
}

func TestEarningCorrelationRoundTrip(t *testing.T) {
	correlation := EarningCorrelationID(99)
	id, ok := expiredEarningID(PointsTransaction{Type: Expiration, CorrelationID: &correlation})
	require.True(t, ok)
	require.Equal(t, int64(99), id)

	other := "order:1"
	_, ok = expiredEarningID(PointsTransaction{Type: Expiration, CorrelationID: &other})
	require.False(t, ok)
}
