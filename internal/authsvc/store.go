// Package authsvc is the authorization service: it owns the daily usage
// counters and subscription records and answers the coordinator's limit
// checks.
package authsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageKeyFmt    = "iris:usage:%s:%s" // user id, yyyy-mm-dd
	unlimitedSet   = "iris:unlimited"
	subUntilKeyFmt = "iris:sub_until:%s"
)

// Store keeps usage counters in redis. Counters are per user per day and
// expire on their own.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// IncrementUsage bumps today's counter for the user and returns the new
// value. The key gets a TTL on first increment so stale days clean
// themselves up.
func (s *Store) IncrementUsage(ctx context.Context, userID string, now time.Time) (int, error) {
	key := fmt.Sprintf(usageKeyFmt, userID, now.UTC().Format("2006-01-02"))
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr usage: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
			return int(n), fmt.Errorf("expire usage key: %w", err)
		}
	}
	return int(n), nil
}

// IsUnlimited reports whether the user is on the unlimited plan.
func (s *Store) IsUnlimited(ctx context.Context, userID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, unlimitedSet, userID).Result()
	if err != nil {
		return false, fmt.Errorf("check unlimited set: %w", err)
	}
	return ok, nil
}

// SubscriptionDaysLeft returns the whole days remaining on the user's
// subscription. The second return is false when no subscription is recorded.
func (s *Store) SubscriptionDaysLeft(ctx context.Context, userID string, now time.Time) (int, bool, error) {
	val, err := s.rdb.Get(ctx, fmt.Sprintf(subUntilKeyFmt, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get subscription: %w", err)
	}
	until, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return 0, false, fmt.Errorf("parse subscription end %q: %w", val, err)
	}
	if !until.After(now) {
		return 0, false, nil
	}
	return int(until.Sub(now) / (24 * time.Hour)), true, nil
}
