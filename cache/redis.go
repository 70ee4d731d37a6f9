package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/points-engine/points"
)

const (
	tagPrefix = "points:tag:"
	genPrefix = "points:gen:"
)

var errStale = errors.New("generation moved")

// Redis is the shared Store. Each tag is a Redis set of the keys it covers.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) GetSummary(ctx context.Context, userID points.UserID) (points.Summary, bool, error) {
	raw, err := r.client.Get(ctx, summaryKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return points.Summary{}, false, nil
	}
	if err != nil {
		return points.Summary{}, false, fmt.Errorf("redis get summary: %w", err)
	}
	var sum points.Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		// A corrupt value is a miss; the next write replaces it.
		return points.Summary{}, false, nil
	}
	return sum, true, nil
}

// Generation reads the counter Invalidate increments. The counter has no
// TTL so it can never fall back to an old value.
func (r *Redis) Generation(ctx context.Context, tag string) (int64, error) {
	gen, err := r.client.Get(ctx, genPrefix+tag).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation: %w", err)
	}
	return gen, nil
}

// SetSummary writes under WATCH on the generation key, so an Invalidate
// landing between the check and the write aborts the transaction.
func (r *Redis) SetSummary(ctx context.Context, sum points.Summary, gen int64) (bool, error) {
	raw, err := json.Marshal(sum)
	if err != nil {
		return false, err
	}
	key := summaryKey(sum.UserID)
	tag := points.BalanceTag(sum.UserID)
	tagKey := tagPrefix + tag
	genKey := genPrefix + tag

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			cur, err = 0, nil
		}
		if err != nil {
			return err
		}
		if cur != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, r.ttl)
			p.SAdd(ctx, tagKey, key)
			if r.ttl > 0 {
				p.Expire(ctx, tagKey, 2*r.ttl)
			}
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis set summary: %w", err)
	}
}

// Invalidate bumps each tag's generation, then deletes every key recorded
// under the tag and the tag set itself.
func (r *Redis) Invalidate(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		if err := r.client.Incr(ctx, genPrefix+tag).Err(); err != nil {
			return fmt.Errorf("redis bump generation %s: %w", tag, err)
		}
		tagKey := tagPrefix + tag
		keys, err := r.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			return fmt.Errorf("redis read tag %s: %w", tag, err)
		}
		if err := r.client.Del(ctx, append(keys, tagKey)...).Err(); err != nil {
			return fmt.Errorf("redis invalidate tag %s: %w", tag, err)
		}
	}
	return nil
}

var _ Store = (*Redis)(nil)
