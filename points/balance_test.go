package points_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func entry(pts int64, status points.EntryStatus) points.Entry {
	return points.Entry{UserID: "u", Points: pts, Status: status}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		entries []points.Entry
		want    points.Summary
	}{
		{
			name: "empty",
			want: points.Summary{UserID: "u"},
		},
		{
			name: "approved credits minus reserved and redeemed debits",
			entries: []points.Entry{
				entry(500, points.EntryApproved),
				entry(80, points.EntryPending),
				entry(-100, points.EntryPending),
				entry(-50, points.EntryApproved),
				entry(-120, points.EntryRedeemed),
			},
			want: points.Summary{UserID: "u", Available: 230, Approved: 500, Pending: 80, Reserved: 150, Redeemed: 120},
		},
		{
			name: "rejected entries are ignored",
			entries: []points.Entry{
				entry(100, points.EntryApproved),
				entry(900, points.EntryRejected),
				entry(-60, points.EntryRejected),
			},
			want: points.Summary{UserID: "u", Available: 100, Approved: 100},
		},
		{
			name: "floored at zero after a credit is voided",
			entries: []points.Entry{
				entry(100, points.EntryRejected),
				entry(-80, points.EntryRedeemed),
			},
			want: points.Summary{UserID: "u", Available: 0, Redeemed: 80},
		},
		{
			name: "sums saturate instead of wrapping",
			entries: []points.Entry{
				entry(math.MaxInt64, points.EntryApproved),
				entry(1, points.EntryApproved),
				entry(math.MaxInt64, points.EntryPending),
				entry(1, points.EntryPending),
			},
			want: points.Summary{UserID: "u", Available: math.MaxInt64, Approved: math.MaxInt64, Pending: math.MaxInt64},
		},
		{
			name: "extreme debits saturate",
			entries: []points.Entry{
				entry(10, points.EntryApproved),
				entry(math.MinInt64, points.EntryPending),
				entry(-1, points.EntryPending),
			},
			want: points.Summary{UserID: "u", Available: 0, Approved: 10, Reserved: math.MaxInt64},
		},
		{
			name: "other users ignored",
			entries: []points.Entry{
				entry(10, points.EntryApproved),
				{UserID: "v", Points: 1000, Status: points.EntryApproved},
			},
			want: points.Summary{UserID: "u", Available: 10, Approved: 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, points.Summarize("u", tt.entries))
		})
	}
}

// TestAvailableNeverNegative drives random ledger writes through the engine
// and checks the available balance after each step.
func TestAvailableNeverNegative(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	act := points.StaffAction{StaffID: "staff-1"}

	var open []points.EntryID
	for step := 0; step < 300; step++ {
		switch rng.Intn(5) {
		case 0:
			e, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: int64(rng.Intn(100) + 1)})
			require.NoError(t, err)
			open = append(open, e.ID)
		case 1:
			_, err := f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: int64(rng.Intn(150) + 1), CompanyRef: "acme"})
			if err != nil {
				require.ErrorIs(t, err, points.ErrInsufficientPoints)
			}
		case 2, 3, 4:
			if len(open) == 0 {
				continue
			}
			id := open[rng.Intn(len(open))]
			var err error
			switch rng.Intn(3) {
			case 0:
				_, err = f.engine.Ledger.ApproveEntry(f.ctx, id, act)
			case 1:
				_, err = f.engine.Ledger.RejectEntry(f.ctx, id, act)
			case 2:
				_, err = f.engine.Ledger.FulfillEntry(f.ctx, id, act)
			}
			if err != nil {
				require.ErrorIs(t, err, points.ErrInvalidTransition)
			}
		}
		assert.GreaterOrEqual(t, f.available(), int64(0), "step %d", step)
	}
}

func TestBalanceCalculator_UnknownUserIsZero(t *testing.T) {
	f := newFixture(t)
	sum, err := f.engine.Balances.Summary(f.ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, points.Summary{UserID: "nobody"}, sum)
}
