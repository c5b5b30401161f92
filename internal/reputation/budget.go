package reputation

import (
	"context"
	"fmt"
	"time"

	"iocbridge/internal/cache"
)

// budgetKeyPrefix is the persisted cache-key layout:
// rep:budget:<yyyy-mm-dd>.
const budgetKeyPrefix = "rep:budget:"

// budget gates outbound reputation requests against a daily cap, persisted
// in Cache so a process restart doesn't reset the count mid-day.
// IncrCounter is the cache's atomic primitive: check-and-increment is one
// INCR, compared against the limit after the fact, the standard pattern
// for counter-based rate gates.
type budget struct {
	c     cache.Cache
	limit int
}

func newBudget(c cache.Cache, limit int) *budget {
	return &budget{c: c, limit: limit}
}

func (b *budget) key(now time.Time) string {
	return budgetKeyPrefix + now.UTC().Format("2006-01-02")
}

// reserve atomically consumes one unit of today's budget. allowed is false
// once the cap is reached; the caller must not make the outbound call in
// that case.
func (b *budget) reserve(ctx context.Context, now time.Time) (allowed bool, err error) {
	key := b.key(now)
	used, err := b.c.IncrCounter(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reputation: budget increment: %w", err)
	}
	if used == 1 {
		// First request of the UTC day: ask the cache to expire the counter
		// key at day's end. On Redis the INCR script has already set that
		// TTL; Memory keeps counters apart from entries, so there Expire
		// returns ErrNotFound (ignored) and the counter never expires. The
		// date in the key still starts a fresh count each UTC day.
		_ = b.c.Expire(ctx, key, nextUTCMidnight(now))
	}
	return int(used) <= b.limit, nil
}

func (b *budget) usedToday(ctx context.Context, now time.Time) (int, error) {
	v, err := b.c.GetCounter(ctx, b.key(now))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	y, m, d := u.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
