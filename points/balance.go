/*
balance.go - Balance derivation from ledger entries

PURPOSE:
  Answers "how many points can this user spend right now?". There is no
  stored balance field; every call sums the user's entries.

AVAILABILITY CALCULATION:
  Available = sum(points | credit, APPROVED)
            - |sum(points | debit, PENDING or APPROVED or REDEEMED)|

  Pending debits are subtracted immediately. A redemption reserves its
  points the moment it is written, so a second redemption evaluated after it
  sees the reduced balance. Pending credits are NOT spendable.

  Sums saturate at math.MaxInt64 instead of wrapping.

  The result is floored at zero. A staff rejection of an approved credit
  that was already spent can push the raw figure below zero.

EXAMPLE:
  +500 APPROVED, +100 PENDING, -300 PENDING, -50 REJECTED
  Available = 500 - 300 = 200, Pending = 100, Reserved = 300

SEE ALSO:
  - redemption.go: Uses Summary inside the write transaction
*/
package points

import (
	"context"
	"math"
)

// Summary is the read model of a user's points.
type Summary struct {
	UserID    UserID
	Available int64 // spendable now
	Approved  int64 // approved credits
	Pending   int64 // credits awaiting approval
	Reserved  int64 // pending + approved debits
	Redeemed  int64 // fulfilled debits
}

// Summarize folds entries into a Summary. Entries of other users are ignored.
func Summarize(userID UserID, entries []Entry) Summary {
	sum := Summary{UserID: userID}
	var debits int64
	for _, e := range entries {
		if e.UserID != userID || e.Status == EntryRejected {
			continue
		}
		switch {
		case e.IsCredit() && e.Status == EntryApproved:
			sum.Approved = addSat(sum.Approved, e.Points)
		case e.IsCredit() && e.Status == EntryPending:
			sum.Pending = addSat(sum.Pending, e.Points)
		case e.IsDebit() && e.Status == EntryRedeemed:
			sum.Redeemed = addSat(sum.Redeemed, magnitude(e.Points))
			debits = addSat(debits, magnitude(e.Points))
		case e.IsDebit():
			sum.Reserved = addSat(sum.Reserved, magnitude(e.Points))
			debits = addSat(debits, magnitude(e.Points))
		}
	}
	sum.Available = sum.Approved - debits
	if sum.Available < 0 {
		sum.Available = 0
	}
	return sum
}

// addSat adds two non-negative amounts, sticking at math.MaxInt64.
func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// magnitude is |p| for a debit; MinInt64 maps to MaxInt64.
func magnitude(p int64) int64 {
	if p == math.MinInt64 {
		return math.MaxInt64
	}
	return -p
}

// BalanceCalculator computes balances from a Store.
// It works against a transaction-bound Store as well, which is how the
// redemption workflow reads the balance under the write lock.
type BalanceCalculator struct {
	Store Store
}

// Summary returns the full balance breakdown.
func (bc *BalanceCalculator) Summary(ctx context.Context, userID UserID) (Summary, error) {
	entries, err := bc.Store.ListEntries(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(userID, entries), nil
}

// AvailableBalance returns the spendable points, never negative.
func (bc *BalanceCalculator) AvailableBalance(ctx context.Context, userID UserID) (int64, error) {
	sum, err := bc.Summary(ctx, userID)
	if err != nil {
		return 0, err
	}
	return sum.Available, nil
}
