package points

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Balance is the fold of a membership's transaction history. Every figure is
// derived from pointsDelta sums, never stored.
type Balance struct {
	MembershipID  int64 `json:"membership_id"`
	Balance       int64 `json:"balance"`
	TotalEarned   int64 `json:"total_earned"`
	TotalRedeemed int64 `json:"total_redeemed"`
	TotalAdjusted int64 `json:"total_adjusted"`
	TotalExpired  int64 `json:"total_expired"`
	TotalHeld     int64 `json:"total_held"`
	TotalReleased int64 `json:"total_released"`
	Count         int   `json:"transaction_count"`
}

// ComputeBalance folds transactions into a Balance. The input order does not
// matter; the result is a pure function of the set.
func ComputeBalance(txs []PointsTransaction) Balance {
	var b Balance
	for _, tx := range txs {
		b.Balance += tx.PointsDelta
		b.Count++
		if b.MembershipID == 0 {
			b.MembershipID = tx.MembershipID
		}
		switch tx.Type {
		case Earning:
			b.TotalEarned += tx.PointsDelta
		case Redeem:
			b.TotalRedeemed += -tx.PointsDelta
		case Adjustment:
			b.TotalAdjusted += tx.PointsDelta
		case Expiration:
			b.TotalExpired += -tx.PointsDelta
		case Hold:
			b.TotalHeld += -tx.PointsDelta
		case Release:
			b.TotalReleased += tx.PointsDelta
		}
	}
	return b
}

// ExpiryLot is one expiring earning with whatever portion of it is still
// unconsumed after redemptions and expirations have been allocated.
type ExpiryLot struct {
	EarningID       int64     `json:"earning_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	OriginalPoints  int64     `json:"original_points"`
	RemainingPoints int64     `json:"remaining_points"`
}

// earningCorrelationPrefix links an EXPIRATION row back to the earning it
// expired, so re-running the projection never double-counts a sweep.
const earningCorrelationPrefix = "earning:"

// EarningCorrelationID returns the correlation id an EXPIRATION row carries
// for the given earning.
func EarningCorrelationID(earningID int64) string {
	return earningCorrelationPrefix + strconv.FormatInt(earningID, 10)
}

func expiredEarningID(tx PointsTransaction) (int64, bool) {
	if tx.Type != Expiration || tx.CorrelationID == nil {
		return 0, false
	}
	raw, ok := strings.CutPrefix(*tx.CorrelationID, earningCorrelationPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ComputeExpirySchedule projects which expiring earnings still hold points.
//
// Expiring earnings form lots ordered by expiry date. Debits (redeems, holds,
// negative adjustments, unattributed expirations) consume the soonest-expiring
// lot first; attributed expirations reduce their own lot directly. Credits
// that are not expiring earnings (releases, positive adjustments, earnings
// without expiresAt) absorb debits before any lot is touched. Lots are never
// driven below zero.
func ComputeExpirySchedule(txs []PointsTransaction, now time.Time) []ExpiryLot {
	ordered := make([]PointsTransaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	lots := make([]*ExpiryLot, 0)
	lotByEarning := make(map[int64]*ExpiryLot)
	var nonLotCredit int64
	var debit int64

	for _, tx := range ordered {
		switch {
		case tx.Type == Earning && tx.ExpiresAt != nil:
			lot := &ExpiryLot{
				EarningID:       tx.ID,
				ExpiresAt:       *tx.ExpiresAt,
				OriginalPoints:  tx.PointsDelta,
				RemainingPoints: tx.PointsDelta,
			}
			lots = append(lots, lot)
			lotByEarning[tx.ID] = lot

		case tx.PointsDelta > 0:
			nonLotCredit += tx.PointsDelta

		case tx.PointsDelta < 0:
			if earningID, ok := expiredEarningID(tx); ok {
				if lot, found := lotByEarning[earningID]; found {
					lot.RemainingPoints += tx.PointsDelta
					if lot.RemainingPoints < 0 {
						lot.RemainingPoints = 0
					}
					continue
				}
			}
			debit += -tx.PointsDelta
		}
	}

	// Non-expiring credit shields the lots from generic debits.
	if nonLotCredit >= debit {
		debit = 0
	} else {
		debit -= nonLotCredit
	}

	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].EarningID < lots[j].EarningID
		}
		return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
	})

	for _, lot := range lots {
		if debit == 0 {
			break
		}
		if lot.RemainingPoints == 0 {
			continue
		}
		take := lot.RemainingPoints
		if take > debit {
			take = debit
		}
		lot.RemainingPoints -= take
		debit -= take
	}

	schedule := make([]ExpiryLot, 0, len(lots))
	for _, lot := range lots {
		if lot.RemainingPoints <= 0 {
			continue
		}
		if !lot.ExpiresAt.After(now) {
			continue
		}
		schedule = append(schedule, *lot)
	}
	return schedule
}

// ExpirableLots returns the lots whose expiry has already passed but still
// hold points. The sweep turns each of these into an EXPIRATION row.
func ExpirableLots(txs []PointsTransaction, now time.Time) []ExpiryLot {
	// A far-past cutoff keeps already-expired lots in the projection.
	ordered := ComputeExpirySchedule(txs, now.AddDate(-100, 0, 0))
	due := make([]ExpiryLot, 0)
	for _, lot := range ordered {
		if !lot.ExpiresAt.After(now) {
			due = append(due, lot)
		}
	}
	return due
}
