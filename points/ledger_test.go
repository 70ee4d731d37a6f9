package points_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func TestLedger_GrantLifecycle(t *testing.T) {
	f := newFixture(t)

	// GIVEN a manual grant
	e, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: 120, CompanyID: f.company.ID, Note: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, points.EntryPending, e.Status)
	assert.Equal(t, points.SourceManual, e.Source)

	// THEN it is not spendable yet
	sum, err := f.engine.Balances.Summary(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), sum.Pending)
	assert.Equal(t, int64(0), sum.Available)

	// WHEN staff approves it
	e, err = f.engine.Ledger.ApproveEntry(f.ctx, e.ID, points.StaffAction{StaffID: "staff-1", Note: "ok"})
	require.NoError(t, err)

	// THEN it is available
	assert.Equal(t, points.EntryApproved, e.Status)
	require.NotNil(t, e.ApprovedAt)
	assert.Equal(t, "welcome\nok", e.Notes)
	assert.Equal(t, int64(120), f.available())
}

func TestLedger_GrantWithKeyIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: 10, Key: "promo-1"})
	require.NoError(t, err)
	second, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: 10, Key: "promo-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "manual_promo-1", first.IdempotencyKey)

	history, err := f.engine.Ledger.History(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_GrantValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		in    points.GrantInput
		check func(error) bool
	}{
		{"missing user", points.GrantInput{Points: 5}, points.IsValidation},
		{"zero points", points.GrantInput{UserID: f.user.ID}, points.IsValidation},
		{"negative points", points.GrantInput{UserID: f.user.ID, Points: -5}, points.IsValidation},
		{"unknown user", points.GrantInput{UserID: "nobody", Points: 5}, points.IsNotFound},
		{"unknown company", points.GrantInput{UserID: f.user.ID, Points: 5, CompanyID: "co_missing"}, points.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Ledger.Grant(f.ctx, tt.in)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}
}

func TestLedger_RecordDuplicateKey(t *testing.T) {
	f := newFixture(t)

	entry := points.Entry{IdempotencyKey: "redeem_abc", UserID: f.user.ID, Points: -5, Source: points.SourceRedemption}
	first, err := f.engine.Ledger.Record(f.ctx, entry)
	require.NoError(t, err)

	// WHEN the same key is written again
	_, err = f.engine.Ledger.Record(f.ctx, entry)

	// THEN the existing entry comes back in the error and no row is added
	var dup *points.DuplicateEntryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.Existing.ID)
	assert.True(t, errors.Is(err, points.ErrDuplicateIdempotencyKey))
	assert.True(t, points.IsConflict(err))

	history, err := f.engine.Ledger.History(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		points  int64
		path    []points.EntryStatus
		wantErr error
	}{
		{"credit pending to approved", 10, []points.EntryStatus{points.EntryApproved}, nil},
		{"credit pending to rejected", 10, []points.EntryStatus{points.EntryRejected}, nil},
		{"credit approved to rejected", 10, []points.EntryStatus{points.EntryApproved, points.EntryRejected}, nil},
		{"credit cannot be redeemed", 10, []points.EntryStatus{points.EntryRedeemed}, points.ErrInvalidTransition},
		{"debit pending to redeemed", -10, []points.EntryStatus{points.EntryRedeemed}, nil},
		{"debit approved to redeemed", -10, []points.EntryStatus{points.EntryApproved, points.EntryRedeemed}, nil},
		{"rejected is terminal", 10, []points.EntryStatus{points.EntryRejected, points.EntryApproved}, points.ErrInvalidTransition},
		{"redeemed is terminal", -10, []points.EntryStatus{points.EntryRedeemed, points.EntryRejected}, points.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			e, err := f.engine.Ledger.Record(f.ctx, points.Entry{
				IdempotencyKey: "manual_" + tt.name,
				UserID:         f.user.ID,
				Points:         tt.points,
				Source:         points.SourceManual,
			})
			require.NoError(t, err)

			for i, to := range tt.path {
				e, err = transition(f, e.ID, to)
				if i < len(tt.path)-1 {
					require.NoError(t, err)
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path[len(tt.path)-1], e.Status)
		})
	}
}

func transition(f *fixture, id points.EntryID, to points.EntryStatus) (points.Entry, error) {
	act := points.StaffAction{StaffID: "staff-1"}
	switch to {
	case points.EntryApproved:
		return f.engine.Ledger.ApproveEntry(f.ctx, id, act)
	case points.EntryRejected:
		return f.engine.Ledger.RejectEntry(f.ctx, id, act)
	case points.EntryRedeemed:
		return f.engine.Ledger.FulfillEntry(f.ctx, id, act)
	default:
		return points.Entry{}, &points.TransitionError{Kind: "entry", To: string(to)}
	}
}

func TestLedger_SameStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	e := f.fund(10)

	again, err := f.engine.Ledger.ApproveEntry(f.ctx, e.ID, points.StaffAction{Note: "twice"})
	require.NoError(t, err)
	assert.Equal(t, e.UpdatedAt, again.UpdatedAt)
	assert.NotContains(t, again.Notes, "twice")
}

func TestLedger_FulfillSetsTimestamps(t *testing.T) {
	f := newFixture(t)
	f.fund(100)

	res, err := f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 40, CompanyRef: "acme"})
	require.NoError(t, err)

	e, err := f.engine.Ledger.FulfillEntry(f.ctx, res.Entry.ID, points.StaffAction{StaffID: "staff-1", Note: "paid"})
	require.NoError(t, err)
	assert.Equal(t, points.EntryRedeemed, e.Status)
	require.NotNil(t, e.FulfilledAt)
	require.NotNil(t, e.ApprovedAt)

	sum, err := f.engine.Balances.Summary(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), sum.Redeemed)
	assert.Equal(t, int64(0), sum.Reserved)
	assert.Equal(t, int64(60), sum.Available)
}

func TestLedger_RejectReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.fund(100)

	res, err := f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 70, CompanyRef: "acme"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), f.available())

	_, err = f.engine.Ledger.RejectEntry(f.ctx, res.Entry.ID, points.StaffAction{Note: "offer sold out"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.available())
}

func TestLedger_AdjustPoints(t *testing.T) {
	f := newFixture(t)
	e, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: 50})
	require.NoError(t, err)

	t.Run("correct a pending credit", func(t *testing.T) {
		adj, err := f.engine.Ledger.AdjustPoints(f.ctx, e.ID, 45, points.StaffAction{Note: "typo"})
		require.NoError(t, err)
		assert.Equal(t, int64(45), adj.Points)
		assert.Equal(t, e.IdempotencyKey, adj.IdempotencyKey)
	})

	t.Run("sign cannot flip", func(t *testing.T) {
		_, err := f.engine.Ledger.AdjustPoints(f.ctx, e.ID, -45, points.StaffAction{})
		assert.True(t, points.IsValidation(err))
	})

	t.Run("zero is invalid", func(t *testing.T) {
		_, err := f.engine.Ledger.AdjustPoints(f.ctx, e.ID, 0, points.StaffAction{})
		assert.True(t, points.IsValidation(err))
	})

	t.Run("frozen once rejected", func(t *testing.T) {
		_, err := f.engine.Ledger.RejectEntry(f.ctx, e.ID, points.StaffAction{})
		require.NoError(t, err)

		_, err = f.engine.Ledger.AdjustPoints(f.ctx, e.ID, 40, points.StaffAction{})
		assert.ErrorIs(t, err, points.ErrEntryImmutable)
		assert.Equal(t, "ENTRY_IMMUTABLE", points.Code(err))
	})
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	first := f.fund(100)
	res, err := f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 5, CompanyRef: "acme"})
	require.NoError(t, err)

	history, err := f.engine.Ledger.History(f.ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, res.Entry.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
}

func TestLedger_AffiliateCreditNeedsApprovedEvent(t *testing.T) {
	f := newFixture(t)

	// GIVEN an affiliate-sourced credit that no approved event links to
	e := f.plant(points.Entry{
		IdempotencyKey: "affiliate_orphan",
		UserID:         f.user.ID,
		Points:         25,
		Source:         points.SourceAffiliate,
	})

	// WHEN staff tries to approve it
	_, err := f.engine.Ledger.ApproveEntry(f.ctx, e.ID, points.StaffAction{})

	// THEN it is refused and nothing becomes spendable
	require.Error(t, err)
	assert.Equal(t, int64(0), f.available())
}

func TestLedger_RecordOnlyWritesPendingEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry func(f *fixture) points.Entry
		check func(error) bool
	}{
		{
			name: "affiliate source is reserved for event approval",
			entry: func(f *fixture) points.Entry {
				return points.Entry{IdempotencyKey: "affiliate_ghost", UserID: f.user.ID, Points: 1000, Status: points.EntryApproved, Source: points.SourceAffiliate}
			},
			check: points.IsValidation,
		},
		{
			name: "approved on insert",
			entry: func(f *fixture) points.Entry {
				return points.Entry{IdempotencyKey: "manual_approved", UserID: f.user.ID, Points: 1000, Status: points.EntryApproved}
			},
			check: points.IsValidation,
		},
		{
			name: "redeemed credit",
			entry: func(f *fixture) points.Entry {
				return points.Entry{IdempotencyKey: "manual_redeemed", UserID: f.user.ID, Points: 50, Status: points.EntryRedeemed}
			},
			check: points.IsValidation,
		},
		{
			name: "unknown source",
			entry: func(f *fixture) points.Entry {
				return points.Entry{IdempotencyKey: "bonus_1", UserID: f.user.ID, Points: 5, Source: "bonus"}
			},
			check: points.IsValidation,
		},
		{
			name: "above the per-entry maximum",
			entry: func(f *fixture) points.Entry {
				return points.Entry{IdempotencyKey: "manual_huge", UserID: f.user.ID, Points: points.MaxEntryPoints + 1}
			},
			check: points.IsValidation,
		},
		{
			name: "unknown user",
			entry: func(f *fixture) points.Entry {
				return points.Entry{IdempotencyKey: "manual_nobody", UserID: "nobody", Points: 5}
			},
			check: func(err error) bool { return errors.Is(err, points.ErrUserNotFound) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			// WHEN an entry bypassing the workflows is recorded
			_, err := f.engine.Ledger.Record(f.ctx, tt.entry(f))

			// THEN it is refused and nothing is written or spendable
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
			history, err := f.engine.Ledger.History(f.ctx, f.user.ID)
			require.NoError(t, err)
			assert.Empty(t, history)
			assert.Equal(t, int64(0), f.available())
		})
	}
}

func TestLedger_RecordDefaultsToPendingManual(t *testing.T) {
	f := newFixture(t)

	e, err := f.engine.Ledger.Record(f.ctx, points.Entry{IdempotencyKey: "manual_plain", UserID: f.user.ID, Points: 30})

	require.NoError(t, err)
	assert.Equal(t, points.EntryPending, e.Status)
	assert.Equal(t, points.SourceManual, e.Source)
	assert.Equal(t, int64(0), f.available())
}

func TestLedger_PointsCap(t *testing.T) {
	f := newFixture(t)
	over := points.MaxEntryPoints + 1

	_, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: over})
	assert.True(t, points.IsValidation(err))

	// GIVEN the largest allowed credit, approved
	f.fund(points.MaxEntryPoints)
	assert.Equal(t, points.MaxEntryPoints, f.available())

	pending, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: 10})
	require.NoError(t, err)
	_, err = f.engine.Ledger.AdjustPoints(f.ctx, pending.ID, over, points.StaffAction{})
	assert.True(t, points.IsValidation(err))

	_, err = f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: over, CompanyRef: "acme"})
	assert.True(t, points.IsValidation(err))

	// THEN a further approved point still adds up
	f.fund(1)
	assert.Equal(t, points.MaxEntryPoints+1, f.available())
}
