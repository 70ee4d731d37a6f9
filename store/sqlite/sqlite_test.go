package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCatalog(t *testing.T, s *Store) (points.User, points.Company, points.Offer) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	u := points.User{ID: "u-1", Email: "trader@example.com", Name: "Trader", CreatedAt: now}
	co := points.Company{ID: "co-1", Slug: "acme", Name: "Acme", CreatedAt: now}
	of := points.Offer{ID: "of-1", CompanyID: co.ID, Slug: "acme-50k", Title: "50k", CreatedAt: now}
	require.NoError(t, s.InsertUser(ctx, u))
	require.NoError(t, s.InsertCompany(ctx, co))
	require.NoError(t, s.InsertOffer(ctx, of))
	return u, co, of
}

func TestStore_EntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, co, of := seedCatalog(t, s)

	created := time.Date(2026, 3, 2, 8, 30, 15, 123456789, time.UTC)
	e := points.Entry{
		ID:             "le-1",
		IdempotencyKey: "redeem_abc",
		UserID:         u.ID,
		CompanyID:      co.ID,
		OfferID:        of.ID,
		Points:         -40,
		Status:         points.EntryPending,
		Source:         points.SourceRedemption,
		Notes:          "payout",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, s.InsertEntry(ctx, e))

	got, err := s.GetEntry(ctx, "le-1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	byKey, err := s.GetEntryByKey(ctx, "redeem_abc")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byKey.ID)

	approved := created.Add(time.Hour)
	got.Status = points.EntryApproved
	got.ApprovedAt = &approved
	got.UpdatedAt = approved
	require.NoError(t, s.UpdateEntry(ctx, got))

	list, err := s.ListEntries(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, points.EntryApproved, list[0].Status)
	require.NotNil(t, list[0].ApprovedAt)
	assert.True(t, approved.Equal(*list[0].ApprovedAt))

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, points.ErrEntryNotFound)
}

func TestStore_ConstraintTranslation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, co, _ := seedCatalog(t, s)
	now := time.Now().UTC()

	entry := points.Entry{ID: "le-1", IdempotencyKey: "manual_x", UserID: u.ID, Points: 5, Status: points.EntryPending, Source: points.SourceManual, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertEntry(ctx, entry))
	entry.ID = "le-2"
	assert.ErrorIs(t, s.InsertEntry(ctx, entry), points.ErrDuplicateIdempotencyKey)

	ev := points.AffiliateEvent{ID: "ae-1", ExternalID: "ext-1", CompanyID: co.ID, UserEmail: u.Email, Points: 5, Status: points.EventPending, PurchaseAt: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertEvent(ctx, ev))
	ev.ID = "ae-2"
	assert.ErrorIs(t, s.InsertEvent(ctx, ev), points.ErrDuplicateExternalID)

	err := s.InsertUser(ctx, points.User{ID: "u-2", Email: "TRADER@example.com", CreatedAt: now})
	assert.ErrorIs(t, err, points.ErrAlreadyExists)

	err = s.InsertCompany(ctx, points.Company{ID: "co-2", Slug: "acme", Name: "Other", CreatedAt: now})
	assert.ErrorIs(t, err, points.ErrAlreadyExists)

	err = s.InsertOffer(ctx, points.Offer{ID: "of-9", CompanyID: "co-missing", Slug: "x", Title: "x", CreatedAt: now})
	assert.ErrorIs(t, err, points.ErrCompanyNotFound)
}

func TestStore_EventsAndDisputes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, co, of := seedCatalog(t, s)
	now := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	ev := points.AffiliateEvent{ID: "ae-1", ExternalID: "ext-1", CompanyID: co.ID, UserEmail: u.Email, Points: 50, Status: points.EventPending, PurchaseAt: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertEvent(ctx, ev))

	got, err := s.GetEventByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, ev, got)
	assert.Empty(t, got.UserID)

	pending, err := s.ListEvents(ctx, points.EventPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	amount := decimal.RequireFromString("99.50")
	d := points.Dispute{
		ID:                "dp-1",
		UserID:            u.ID,
		CompanyID:         co.ID,
		OfferID:           of.ID,
		Title:             "Payout denied",
		Category:          points.CategoryPayoutDenied,
		Description:       "refused",
		Status:            points.DisputeOpen,
		RequestedAmount:   &amount,
		RequestedCurrency: "USD",
		EvidenceLinks:     []string{"https://example.com/a", "https://example.com/b"},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.InsertDispute(ctx, d))

	stored, err := s.GetDispute(ctx, "dp-1")
	require.NoError(t, err)
	require.NotNil(t, stored.RequestedAmount)
	assert.True(t, amount.Equal(*stored.RequestedAmount))
	assert.Equal(t, d.EvidenceLinks, stored.EvidenceLinks)

	n, err := s.CountDisputes(ctx, of.ID, points.BlockingDisputeStatuses)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored.Status = points.DisputeResolved
	require.NoError(t, s.UpdateDispute(ctx, stored))
	n, err = s.CountDisputes(ctx, of.ID, points.BlockingDisputeStatuses)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	list, err := s.ListDisputes(ctx, points.DisputeFilter{Status: points.DisputeResolved})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _, _ := seedCatalog(t, s)
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx points.Store) error {
		require.NoError(t, tx.InsertEntry(ctx, points.Entry{ID: "le-1", IdempotencyKey: "k", UserID: u.ID, Points: 5, Status: points.EntryPending, Source: points.SourceManual, CreatedAt: now, UpdatedAt: now}))
		_, err := tx.GetEntry(ctx, "le-1")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetEntry(ctx, "le-1")
	assert.ErrorIs(t, err, points.ErrEntryNotFound)
}

// TestStore_ConcurrentRedemptions runs the engine against a file database so
// several pool connections compete for the writer lock.
func TestStore_ConcurrentRedemptions(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "points.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	engine := points.NewEngine(s, points.Options{})
	_, err = engine.Catalog.CreateCompany(ctx, points.NewCompany{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)
	u, err := engine.Catalog.CreateUser(ctx, points.NewUser{Email: "trader@example.com"})
	require.NoError(t, err)
	credit, err := engine.Ledger.Grant(ctx, points.GrantInput{UserID: u.ID, Points: 100})
	require.NoError(t, err)
	_, err = engine.Ledger.ApproveEntry(ctx, credit.ID, points.StaffAction{})
	require.NoError(t, err)

	// GIVEN B=100, WHEN 10 requests of 30 race
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Redemptions.Redeem(ctx, points.RedeemInput{UserID: u.ID, Points: 30, CompanyRef: "acme"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, points.ErrInsufficientPoints)
		}()
	}
	wg.Wait()

	// THEN exactly three succeed and 10 points remain
	assert.Equal(t, 3, ok)
	available, err := engine.Balances.AvailableBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)
}

func TestStore_AffiliateApprovalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	engine := points.NewEngine(s, points.Options{})

	_, err := engine.Catalog.CreateCompany(ctx, points.NewCompany{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)
	_, err = engine.Catalog.CreateUser(ctx, points.NewUser{Email: "trader@example.com"})
	require.NoError(t, err)
	_, _, err = engine.Affiliates.Ingest(ctx, points.IngestInput{ExternalID: "ext-1", CompanyRef: "acme", UserEmail: "trader@example.com", Points: 25})
	require.NoError(t, err)

	ev, err := engine.Affiliates.Approve(ctx, "ext-1", points.ApproveOptions{})
	require.NoError(t, err)

	linked, err := s.GetEventByEntry(ctx, ev.LinkedEntryID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, linked.ID)

	entry, err := s.GetEntryByKey(ctx, "affiliate_ext-1")
	require.NoError(t, err)
	assert.Equal(t, ev.LinkedEntryID, entry.ID)
}
