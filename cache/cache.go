/*
Package cache holds cached balance views and their tag invalidation.

PURPOSE:
  GET /api/me/balance is the hottest read. Summaries are cached per user and
  tagged "balance:<userId>". Every successful ledger write calls
  Invalidate(points.BalanceTag(userID)) through points.Invalidator, so a
  read after a write never sees the cached value. The ledger stays the only
  source of truth; a cache entry is a throwaway copy with a TTL.

GENERATIONS:
  Invalidate bumps a counter per tag. A reader takes the generation before
  computing the summary and SetSummary stores it only if the generation is
  unchanged, so a read that overlapped a write never re-caches the old value.

IMPLEMENTATIONS:
  - Memory: in-process TTL map with a tag index (single instance, tests)
  - Redis:  go-redis, tag membership kept in Redis sets (shared by replicas)
*/
package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// Store caches summaries and drops them by tag.
type Store interface {
	points.Invalidator
	GetSummary(ctx context.Context, userID points.UserID) (points.Summary, bool, error)
	// Generation returns the invalidation counter of a tag (0 if never bumped).
	Generation(ctx context.Context, tag string) (int64, error)
	// SetSummary stores sum unless the user's balance tag moved past gen.
	// It reports whether the value was stored.
	SetSummary(ctx context.Context, sum points.Summary, gen int64) (bool, error)
}

// Observer receives hit/miss counts.
type Observer interface {
	CacheHit(cacheType string)
	CacheMiss(cacheType string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)  {}
func (nopObserver) CacheMiss(string) {}

// SummarySource computes a summary from the ledger.
type SummarySource interface {
	Summary(ctx context.Context, userID points.UserID) (points.Summary, error)
}

// Balances is a read-through cache in front of a SummarySource.
// Cache failures degrade to a direct ledger read.
type Balances struct {
	source   SummarySource
	cache    Store
	observer Observer
	kind     string
	logger   *zap.Logger
}

// NewBalances wires source behind cache. kind labels metrics ("memory", "redis").
func NewBalances(source SummarySource, c Store, obs Observer, kind string, logger *zap.Logger) *Balances {
	if obs == nil {
		obs = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Balances{source: source, cache: c, observer: obs, kind: kind, logger: logger}
}

func (b *Balances) Summary(ctx context.Context, userID points.UserID) (points.Summary, error) {
	sum, ok, err := b.cache.GetSummary(ctx, userID)
	if err != nil {
		b.logger.Warn("balance cache read failed", zap.String("user_id", string(userID)), zap.Error(err))
	}
	if err == nil && ok {
		b.observer.CacheHit(b.kind)
		return sum, nil
	}
	b.observer.CacheMiss(b.kind)

	gen, genErr := b.cache.Generation(ctx, points.BalanceTag(userID))
	if genErr != nil {
		b.logger.Warn("balance cache generation read failed", zap.String("user_id", string(userID)), zap.Error(genErr))
	}

	sum, err = b.source.Summary(ctx, userID)
	if err != nil {
		return points.Summary{}, err
	}
	if genErr != nil {
		return sum, nil
	}
	if _, err := b.cache.SetSummary(ctx, sum, gen); err != nil {
		b.logger.Warn("balance cache write failed", zap.String("user_id", string(userID)), zap.Error(err))
	}
	return sum, nil
}

func summaryKey(userID points.UserID) string {
	return "points:summary:" + string(userID)
}
