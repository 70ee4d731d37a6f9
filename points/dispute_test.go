package points_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func (f *fixture) openDispute(offerID points.OfferID) points.Dispute {
	f.t.Helper()
	d, err := f.engine.Disputes.Open(f.ctx, points.OpenDisputeInput{
		UserID:      f.user.ID,
		OfferID:     offerID,
		Title:       "Payout denied",
		Category:    points.CategoryPayoutDenied,
		Description: "Passed the evaluation, payout refused without reason.",
	})
	require.NoError(f.t, err)
	return d
}

func TestDisputeLock(t *testing.T) {
	f := newFixture(t)

	// GIVEN an OPEN dispute referencing the offer
	d := f.openDispute(f.offer.ID)
	assert.Equal(t, points.DisputeOpen, d.Status)
	assert.Equal(t, f.company.ID, d.CompanyID)

	blocked, err := f.engine.Disputes.HasBlockingDispute(f.ctx, f.offer.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	// WHEN staff deletes the offer
	err = f.engine.Catalog.DeleteOffer(f.ctx, f.offer.ID)

	// THEN it is refused with a conflict that names the count
	var bd *points.BlockingDisputeError
	require.ErrorAs(t, err, &bd)
	assert.Equal(t, 1, bd.Count)
	assert.True(t, points.IsConflict(err))
	_, err = f.engine.Catalog.GetOffer(f.ctx, f.offer.ID)
	require.NoError(t, err)

	// WHEN the dispute is resolved
	_, err = f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{Status: points.DisputeResolved, Note: "paid"})
	require.NoError(t, err)

	// THEN deletion succeeds
	require.NoError(t, f.engine.Catalog.DeleteOffer(f.ctx, f.offer.ID))
	_, err = f.engine.Catalog.GetOffer(f.ctx, f.offer.ID)
	assert.ErrorIs(t, err, points.ErrOfferNotFound)
}

func TestDisputeLock_EveryBlockingStatus(t *testing.T) {
	for _, path := range [][]points.DisputeStatus{
		{},
		{points.DisputeInReview},
		{points.DisputeInReview, points.DisputeWaitingUser},
	} {
		f := newFixture(t)
		d := f.openDispute(f.offer.ID)
		for _, to := range path {
			var err error
			d, err = f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{Status: to})
			require.NoError(t, err)
		}
		assert.ErrorIs(t, f.engine.Catalog.DeleteOffer(f.ctx, f.offer.ID), points.ErrBlockingDispute, string(d.Status))
	}
}

func TestDisputeLock_CountsOnlyBlocking(t *testing.T) {
	f := newFixture(t)
	a := f.openDispute(f.offer.ID)
	f.openDispute(f.offer.ID)
	f.openDispute(f.offer.ID)

	_, err := f.engine.Disputes.Transition(f.ctx, a.ID, points.DisputeTransitionInput{Status: points.DisputeRejected})
	require.NoError(t, err)

	n, err := f.engine.Disputes.CountBlocking(f.ctx, f.offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDisputeTransitions(t *testing.T) {
	tests := []struct {
		from, to points.DisputeStatus
		ok       bool
	}{
		{points.DisputeOpen, points.DisputeInReview, true},
		{points.DisputeOpen, points.DisputeResolved, true},
		{points.DisputeOpen, points.DisputeWaitingUser, false},
		{points.DisputeInReview, points.DisputeWaitingUser, true},
		{points.DisputeInReview, points.DisputeOpen, false},
		{points.DisputeWaitingUser, points.DisputeInReview, true},
		{points.DisputeWaitingUser, points.DisputeRejected, true},
		{points.DisputeResolved, points.DisputeOpen, false},
		{points.DisputeRejected, points.DisputeInReview, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, points.CanMoveDispute(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestDisputeTransition_NotesAndAssignment(t *testing.T) {
	f := newFixture(t)
	d := f.openDispute(f.offer.ID)

	d, err := f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{
		Status:          points.DisputeInReview,
		Note:            "looking into it",
		AssignedStaffID: "staff-7",
	})
	require.NoError(t, err)
	assert.Equal(t, points.UserID("staff-7"), d.AssignedStaffID)
	assert.Nil(t, d.ResolvedAt)

	// Same status only appends the note.
	d, err = f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{Status: points.DisputeInReview, Note: "asked the firm"})
	require.NoError(t, err)
	assert.Equal(t, "looking into it\nasked the firm", d.ResolutionNotes)

	d, err = f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{Status: points.DisputeRejected, Note: "out of policy"})
	require.NoError(t, err)
	require.NotNil(t, d.ResolvedAt)

	_, err = f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{Status: points.DisputeOpen})
	var te *points.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "INVALID_TRANSITION", points.Code(err))

	_, err = f.engine.Disputes.Transition(f.ctx, d.ID, points.DisputeTransitionInput{Status: "CLOSED"})
	assert.True(t, points.IsValidation(err))

	assert.Equal(t, 1, f.recorder.disputes[points.DisputeInReview])
	assert.Equal(t, 1, f.recorder.disputes[points.DisputeRejected])
}

func TestOpenDispute_Validation(t *testing.T) {
	f := newFixture(t)
	neg := decimal.NewFromInt(-5)

	base := func() points.OpenDisputeInput {
		return points.OpenDisputeInput{
			UserID:      f.user.ID,
			CompanyRef:  "acme",
			Title:       "Rule change",
			Category:    points.CategoryRuleChange,
			Description: "Drawdown rule changed mid-challenge.",
		}
	}

	tests := []struct {
		name   string
		mutate func(*points.OpenDisputeInput)
		code   string
	}{
		{"no company or offer", func(in *points.OpenDisputeInput) { in.CompanyRef = "" }, "VALIDATION_ERROR"},
		{"missing title", func(in *points.OpenDisputeInput) { in.Title = "  " }, "VALIDATION_ERROR"},
		{"title too long", func(in *points.OpenDisputeInput) { in.Title = strings.Repeat("t", 201) }, "VALIDATION_ERROR"},
		{"unknown category", func(in *points.OpenDisputeInput) { in.Category = "SPAM" }, "VALIDATION_ERROR"},
		{"missing description", func(in *points.OpenDisputeInput) { in.Description = "" }, "VALIDATION_ERROR"},
		{"negative amount", func(in *points.OpenDisputeInput) { in.RequestedAmount = &neg }, "VALIDATION_ERROR"},
		{"bad currency", func(in *points.OpenDisputeInput) { in.RequestedCurrency = "dollars" }, "VALIDATION_ERROR"},
		{"non-http link", func(in *points.OpenDisputeInput) { in.EvidenceLinks = []string{"ftp://x.com/a"} }, "VALIDATION_ERROR"},
		{"too many links", func(in *points.OpenDisputeInput) {
			in.EvidenceLinks = make([]string, points.MaxEvidenceLinks+1)
			for i := range in.EvidenceLinks {
				in.EvidenceLinks[i] = "https://example.com/p"
			}
		}, "VALIDATION_ERROR"},
		{"unknown company", func(in *points.OpenDisputeInput) { in.CompanyRef = "globex" }, "COMPANY_NOT_FOUND"},
		{"unknown offer", func(in *points.OpenDisputeInput) { in.CompanyRef = ""; in.OfferID = "of_missing" }, "OFFER_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base()
			tt.mutate(&in)
			_, err := f.engine.Disputes.Open(f.ctx, in)
			require.Error(t, err)
			assert.Equal(t, tt.code, points.Code(err))
		})
	}
}

func TestOpenDispute_OfferOfAnotherCompany(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Catalog.CreateCompany(f.ctx, points.NewCompany{Slug: "globex", Name: "Globex"})
	require.NoError(t, err)

	_, err = f.engine.Disputes.Open(f.ctx, points.OpenDisputeInput{
		UserID:      f.user.ID,
		CompanyRef:  "globex",
		OfferID:     f.offer.ID,
		Title:       "x",
		Category:    points.CategoryOther,
		Description: "y",
	})
	assert.True(t, points.IsValidation(err))
}

func TestOpenDispute_AmountAndCurrency(t *testing.T) {
	f := newFixture(t)
	amount := decimal.RequireFromString("149.999")

	d, err := f.engine.Disputes.Open(f.ctx, points.OpenDisputeInput{
		UserID:          f.user.ID,
		CompanyRef:      "acme",
		Title:           "Reward missing",
		Category:        points.CategoryRewardNotReceived,
		Description:     "Bought the 50k, no points.",
		RequestedAmount: &amount,
		EvidenceLinks:   []string{" https://example.com/receipt.pdf ", ""},
	})
	require.NoError(t, err)
	require.NotNil(t, d.RequestedAmount)
	assert.True(t, decimal.RequireFromString("150").Equal(*d.RequestedAmount))
	assert.Equal(t, "USD", d.RequestedCurrency)
	assert.Equal(t, []string{"https://example.com/receipt.pdf"}, d.EvidenceLinks)
	assert.Empty(t, d.OfferID)

	list, err := f.engine.Disputes.List(f.ctx, points.DisputeFilter{UserID: f.user.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestDeleteOffer_Unknown(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Catalog.DeleteOffer(f.ctx, "of_missing")
	assert.ErrorIs(t, err, points.ErrOfferNotFound)
}
