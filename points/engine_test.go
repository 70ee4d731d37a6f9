package points_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// tickingClock advances one second per call so entries order deterministically.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type spyInvalidator struct {
	mu   sync.Mutex
	tags []string
}

func (s *spyInvalidator) Invalidate(_ context.Context, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tags...)
	return nil
}

func (s *spyInvalidator) count(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tags {
		if t == tag {
			n++
		}
	}
	return n
}

type spyRecorder struct {
	mu          sync.Mutex
	redemptions map[string]int
	decisions   map[string]int
	entries     map[points.EntryStatus]int
	disputes    map[points.DisputeStatus]int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{
		redemptions: map[string]int{},
		decisions:   map[string]int{},
		entries:     map[points.EntryStatus]int{},
		disputes:    map[points.DisputeStatus]int{},
	}
}

func (r *spyRecorder) Redemption(outcome string, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redemptions[outcome]++
}

func (r *spyRecorder) AffiliateDecision(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[action]++
}

func (r *spyRecorder) EntryTransition(to points.EntryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[to]++
}

func (r *spyRecorder) DisputeTransition(to points.DisputeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disputes[to]++
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	engine   *points.Engine
	store    points.TxStore
	inval    *spyInvalidator
	recorder *spyRecorder
	user     points.User
	company  points.Company
	offer    points.Offer
}

// newFixture builds an engine over the memory store with one company
// ("acme"), one offer ("acme-50k") and one user (trader@example.com).
func newFixture(t *testing.T) *fixture {
	return newFixtureOn(t, store.NewMemory(), points.Options{})
}

func newFixtureOn(t *testing.T, s points.TxStore, opts points.Options) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: s, inval: &spyInvalidator{}, recorder: newSpyRecorder()}
	opts.Invalidator = f.inval
	opts.Recorder = f.recorder
	opts.Logger = zaptest.NewLogger(t)
	if opts.Now == nil {
		opts.Now = tickingClock()
	}
	f.engine = points.NewEngine(s, opts)

	var err error
	f.company, err = f.engine.Catalog.CreateCompany(f.ctx, points.NewCompany{Slug: "acme", Name: "Acme Funding"})
	require.NoError(t, err)
	f.offer, err = f.engine.Catalog.CreateOffer(f.ctx, points.NewOffer{CompanyRef: "acme", Slug: "acme-50k", Title: "50k challenge"})
	require.NoError(t, err)
	f.user, err = f.engine.Catalog.CreateUser(f.ctx, points.NewUser{Email: "Trader@Example.com", Name: "Trader"})
	require.NoError(t, err)
	return f
}

// fund grants and approves pts for the fixture user.
func (f *fixture) fund(pts int64) points.Entry {
	f.t.Helper()
	e, err := f.engine.Ledger.Grant(f.ctx, points.GrantInput{UserID: f.user.ID, Points: pts, Note: "seed"})
	require.NoError(f.t, err)
	e, err = f.engine.Ledger.ApproveEntry(f.ctx, e.ID, points.StaffAction{StaffID: "staff-1"})
	require.NoError(f.t, err)
	return e
}

// plant writes e straight to the store, bypassing the ledger's checks, to
// model rows left behind by an interrupted write.
func (f *fixture) plant(e points.Entry) points.Entry {
	f.t.Helper()
	now := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	if e.ID == "" {
		e.ID = points.EntryID("le_" + e.IdempotencyKey)
	}
	if e.Status == "" {
		e.Status = points.EntryPending
	}
	e.CreatedAt, e.UpdatedAt = now, now
	require.NoError(f.t, f.store.InsertEntry(f.ctx, e))
	return e
}

func (f *fixture) available() int64 {
	f.t.Helper()
	n, err := f.engine.Balances.AvailableBalance(f.ctx, f.user.ID)
	require.NoError(f.t, err)
	return n
}

// =============================================================================
// ENGINE WIRING
// =============================================================================

func TestEngine_WritesInvalidateBalance(t *testing.T) {
	f := newFixture(t)
	tag := points.BalanceTag(f.user.ID)

	// GIVEN a funded user (grant + approve)
	f.fund(100)
	assert.Equal(t, 2, f.inval.count(tag))

	// WHEN they redeem
	_, err := f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 10, CompanyRef: "acme"})
	require.NoError(t, err)

	// THEN the balance tag is invalidated again
	assert.Equal(t, 3, f.inval.count(tag))

	// AND a failed redemption does not invalidate
	_, err = f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 1000, CompanyRef: "acme"})
	require.Error(t, err)
	assert.Equal(t, 3, f.inval.count(tag))
}

func TestEngine_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.fund(50)

	_, err := f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 20, CompanyRef: "acme", RequestKey: "k1"})
	require.NoError(t, err)
	_, err = f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 20, CompanyRef: "acme", RequestKey: "k1"})
	require.NoError(t, err)
	_, err = f.engine.Redemptions.Redeem(f.ctx, points.RedeemInput{UserID: f.user.ID, Points: 500, CompanyRef: "acme"})
	require.Error(t, err)

	assert.Equal(t, 1, f.recorder.redemptions[points.OutcomeRedeemed])
	assert.Equal(t, 1, f.recorder.redemptions[points.OutcomeReplayed])
	assert.Equal(t, 1, f.recorder.redemptions[points.OutcomeInsufficient])
	assert.Equal(t, 1, f.recorder.entries[points.EntryApproved])
}

func TestEngine_ZeroOptions(t *testing.T) {
	ctx := context.Background()
	engine := points.NewEngine(store.NewMemory(), points.Options{})

	u, err := engine.Catalog.CreateUser(ctx, points.NewUser{Email: "a@x.com"})
	require.NoError(t, err)
	e, err := engine.Ledger.Grant(ctx, points.GrantInput{UserID: u.ID, Points: 5})
	require.NoError(t, err)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Contains(t, string(e.ID), "le_")
	assert.Contains(t, e.IdempotencyKey, points.KeyPrefixManual)
}
