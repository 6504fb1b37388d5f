package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finnacle/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Units of work go to the primary store and invalidate
// the cache once committed; reads check Redis first then fall back to the
// primary. Redis failures degrade to primary reads.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cachedSummary is the JSON shape stored under summaryKey.
type cachedSummary struct {
	Wallet   model.Wallet    `json:"wallet"`
	Holdings []model.Holding `json:"holdings"`
}

// --- Write-through (write to primary, invalidate cache) ---

// InUserTx commits to the primary, then bumps the user's and the board's
// version counters and drops their cached entries in one MULTI. A read-through
// fill that started before the bump sees a different version and is skipped.
func (s *CachedStore) InUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := s.primary.InUserTx(ctx, userID, fn); err != nil {
		return err
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, summaryVersionKey(userID))
		pipe.Expire(ctx, summaryVersionKey(userID), versionTTL)
		pipe.Incr(ctx, leaderboardVersionKey)
		pipe.Del(ctx, summaryKey(userID), leaderboardKey)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Summary(ctx context.Context, userID string) (model.Wallet, []model.Holding, error) {
	key := summaryKey(userID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cs cachedSummary
		if json.Unmarshal(data, &cs) == nil {
			return cs.Wallet, cs.Holdings, nil
		}
	}

	// Cache miss.
	verKey := summaryVersionKey(userID)
	ver, verErr := s.version(ctx, verKey)
	w, holdings, err := s.primary.Summary(ctx, userID)
	if err != nil {
		return w, nil, err
	}
	if verErr == nil {
		if data, err := json.Marshal(cachedSummary{Wallet: w, Holdings: holdings}); err == nil {
			s.fillIfUnchanged(ctx, verKey, ver, func(pipe redis.Pipeliner) {
				pipe.Set(ctx, key, data, s.ttl)
			})
		}
	}
	return w, holdings, nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	field := fmt.Sprintf("%d:%d", limit, offset)

	data, err := s.rdb.HGet(ctx, leaderboardKey, field).Bytes()
	if err == nil {
		var entries []model.LeaderboardEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	ver, verErr := s.version(ctx, leaderboardVersionKey)
	entries, err := s.primary.Leaderboard(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if verErr == nil {
		if data, err := json.Marshal(entries); err == nil {
			s.fillIfUnchanged(ctx, leaderboardVersionKey, ver, func(pipe redis.Pipeliner) {
				pipe.HSet(ctx, leaderboardKey, field, data)
				pipe.Expire(ctx, leaderboardKey, s.ttl)
			})
		}
	}
	return entries, nil
}

// version reads a version counter; a missing counter is "".
func (s *CachedStore) version(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// fillIfUnchanged runs set in a MULTI only while verKey still holds ver.
// WATCH aborts the fill when a commit bumps the version mid-check.
func (s *CachedStore) fillIfUnchanged(ctx context.Context, verKey, ver string, set func(redis.Pipeliner)) {
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			set(pipe)
			return nil
		})
		return err
	}, verKey)
	if err != nil && err != redis.TxFailedErr {
		slog.Warn("cache fill failed", "key", verKey, "err", err)
	}
}

// --- Passthrough ---

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

const (
	leaderboardKey        = "leaderboard"
	leaderboardVersionKey = "leaderboard:ver"

	// versionTTL bounds idle version counters.
	versionTTL = 24 * time.Hour
)

func summaryKey(uid string) string { return fmt.Sprintf("summary:%s", uid) }

func summaryVersionKey(uid string) string { return fmt.Sprintf("summary_ver:%s", uid) }
