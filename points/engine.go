package points

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Invalidator drops cached read views by tag after a successful write.
type Invalidator interface {
	Invalidate(ctx context.Context, tags ...string) error
}

// BalanceTag is the cache tag covering every balance view of a user.
func BalanceTag(userID UserID) string { return "balance:" + string(userID) }

// Recorder receives business metric observations.
type Recorder interface {
	Redemption(outcome string, points int64)
	AffiliateDecision(action string)
	EntryTransition(to EntryStatus)
	DisputeTransition(to DisputeStatus)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(context.Context, ...string) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Redemption(string, int64)        {}
func (nopRecorder) AffiliateDecision(string)        {}
func (nopRecorder) EntryTransition(EntryStatus)     {}
func (nopRecorder) DisputeTransition(DisputeStatus) {}

// =============================================================================
// ENGINE
// =============================================================================

// Options configures the services. Zero values are usable.
type Options struct {
	Invalidator Invalidator
	Recorder    Recorder
	Logger      *zap.Logger
	Now         func() time.Time

	// AllowOverrideIncrease lets affiliate approvals raise points above the
	// purchase-derived amount without an explicit ConfirmIncrease.
	AllowOverrideIncrease bool
}

func (o Options) withDefaults() Options {
	if o.Invalidator == nil {
		o.Invalidator = nopInvalidator{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Engine bundles every service over one store.
type Engine struct {
	Ledger      *Ledger
	Balances    *BalanceCalculator
	Redemptions *Redemptions
	Affiliates  *Affiliates
	Disputes    *Disputes
	Catalog     *Catalog
}

// NewEngine wires all services against store.
func NewEngine(store TxStore, opts Options) *Engine {
	opts = opts.withDefaults()
	balances := &BalanceCalculator{Store: store}
	catalog := &Catalog{store: store, opts: opts}
	ledger := &Ledger{store: store, opts: opts}
	disputes := &Disputes{store: store, opts: opts}
	catalog.disputes = disputes
	return &Engine{
		Ledger:      ledger,
		Balances:    balances,
		Redemptions: &Redemptions{store: store, opts: opts},
		Affiliates:  &Affiliates{store: store, opts: opts},
		Disputes:    disputes,
		Catalog:     catalog,
	}
}

func (o Options) invalidateBalance(ctx context.Context, userID UserID) {
	if err := o.Invalidator.Invalidate(ctx, BalanceTag(userID)); err != nil {
		// The write is committed; a stale cache entry expires on its own TTL.
		o.Logger.Warn("balance cache invalidation failed",
			zap.String("user_id", string(userID)), zap.Error(err))
	}
}

func newID(prefix string) string { return prefix + uuid.NewString() }
