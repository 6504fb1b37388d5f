package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/finnacle/ledger-engine/internal/money"
)

// CachedQuoter fronts another Quoter with a short-lived Redis cache.
// Only successful quotes are cached. Redis failures fall back to the
// underlying quoter.
type CachedQuoter struct {
	next Quoter
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedQuoter wraps next with a Redis cache of the given TTL.
func NewCachedQuoter(next Quoter, rdb *redis.Client, ttl time.Duration) *CachedQuoter {
	return &CachedQuoter{next: next, rdb: rdb, ttl: ttl}
}

func (q *CachedQuoter) Quote(ctx context.Context, sym string) (money.Cents, error) {
	key := quoteKey(sym)
	if v, err := q.rdb.Get(ctx, key).Result(); err == nil {
		if c, err := strconv.ParseInt(v, 10, 64); err == nil && c > 0 {
			return money.Cents(c), nil
		}
	} else if err != redis.Nil {
		slog.Warn("quote cache read failed", "symbol", sym, "err", err)
	}

	c, err := q.next.Quote(ctx, sym)
	if err != nil {
		return 0, err
	}
	if err := q.rdb.Set(ctx, key, int64(c), q.ttl).Err(); err != nil {
		slog.Warn("quote cache write failed", "symbol", sym, "err", err)
	}
	return c, nil
}

func quoteKey(sym string) string { return fmt.Sprintf("quote:%s", sym) }

// SingleflightQuoter collapses concurrent lookups of the same symbol into
// one call to the underlying quoter. The shared call runs detached from any
// single caller's context under its own timeout; each caller still stops
// waiting when its own context is done.
type SingleflightQuoter struct {
	next    Quoter
	timeout time.Duration
	group   singleflight.Group
}

// NewSingleflightQuoter wraps next. A non-positive timeout selects 5s.
func NewSingleflightQuoter(next Quoter, timeout time.Duration) *SingleflightQuoter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SingleflightQuoter{next: next, timeout: timeout}
}

func (q *SingleflightQuoter) Quote(ctx context.Context, sym string) (money.Cents, error) {
	ch := q.group.DoChan(sym, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
		defer cancel()
		return q.next.Quote(lctx, sym)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return 0, r.Err
		}
		return r.Val.(money.Cents), nil
	}
}
