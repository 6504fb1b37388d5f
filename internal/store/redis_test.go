package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
)

// pausingStore blocks the next primary read after it has fetched its
// snapshot, until release is closed.
type pausingStore struct {
	Store
	pause   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func newPausingStore(primary Store) *pausingStore {
	return &pausingStore{Store: primary, read: make(chan struct{}), release: make(chan struct{})}
}

func (s *pausingStore) Summary(ctx context.Context, userID string) (model.Wallet, []model.Holding, error) {
	w, holdings, err := s.Store.Summary(ctx, userID)
	if s.pause.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return w, holdings, err
}

func (s *pausingStore) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	entries, err := s.Store.Leaderboard(ctx, limit, offset)
	if s.pause.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return entries, err
}

func newCached(t *testing.T, primary Store) (*CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCachedStore(primary, rdb, time.Minute), mr
}

func deposit(t *testing.T, st Store, uid string, amount int64) {
	t.Helper()
	err := st.InUserTx(context.Background(), uid, func(tx Tx) error {
		_, err := tx.AdjustWallet(context.Background(), money.Cents(amount), 0)
		return err
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestCachedStore_ServesHitsAndInvalidatesOnCommit(t *testing.T) {
	primary := NewMemoryStore()
	cs, mr := newCached(t, primary)
	ctx := context.Background()

	deposit(t, cs, "alice", 100)
	if w, _, _ := cs.Summary(ctx, "alice"); w.BalanceCents != 100 {
		t.Fatalf("expected 100, got %d", w.BalanceCents)
	}
	if !mr.Exists(summaryKey("alice")) {
		t.Fatal("summary was not cached")
	}

	// A write behind the cache's back stays invisible until the entry goes.
	deposit(t, primary, "alice", 1)
	if w, _, _ := cs.Summary(ctx, "alice"); w.BalanceCents != 100 {
		t.Errorf("expected cached 100, got %d", w.BalanceCents)
	}

	deposit(t, cs, "alice", 10)
	if mr.Exists(summaryKey("alice")) {
		t.Error("commit did not drop the cached summary")
	}
	if w, _, _ := cs.Summary(ctx, "alice"); w.BalanceCents != 111 {
		t.Errorf("expected 111 after commit, got %d", w.BalanceCents)
	}
}

func TestCachedStore_StaleFillSkippedAfterCommit(t *testing.T) {
	primary := newPausingStore(NewMemoryStore())
	cs, mr := newCached(t, primary)
	ctx := context.Background()

	primary.pause.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w, _, err := cs.Summary(ctx, "bob")
		if err != nil || w.BalanceCents != 0 {
			t.Errorf("reader: expected old snapshot 0, got %d, %v", w.BalanceCents, err)
		}
	}()

	<-primary.read
	deposit(t, cs, "bob", 500)
	close(primary.release)
	wg.Wait()

	if mr.Exists(summaryKey("bob")) {
		t.Error("stale snapshot was written after the commit")
	}
	if w, _, _ := cs.Summary(ctx, "bob"); w.BalanceCents != 500 {
		t.Errorf("expected 500, got %d", w.BalanceCents)
	}
}

func TestCachedStore_StaleLeaderboardFillSkipped(t *testing.T) {
	primary := newPausingStore(NewMemoryStore())
	cs, _ := newCached(t, primary)
	ctx := context.Background()
	deposit(t, cs, "carol", 100)

	primary.pause.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cs.Leaderboard(ctx, 10, 0)
	}()

	<-primary.read
	deposit(t, cs, "dave", 200)
	close(primary.release)
	wg.Wait()

	entries, err := cs.Leaderboard(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].UserID != "dave" {
		t.Errorf("expected dave on top of a fresh board, got %+v", entries)
	}
}

func TestCachedStore_RedisDownFallsBackToPrimary(t *testing.T) {
	primary := NewMemoryStore()
	cs, mr := newCached(t, primary)
	ctx := context.Background()
	mr.Close()

	deposit(t, cs, "erin", 42)
	w, holdings, err := cs.Summary(ctx, "erin")
	if err != nil || w.BalanceCents != 42 || len(holdings) != 0 {
		t.Fatalf("expected primary read 42, got %+v %v %v", w, holdings, err)
	}
	entries, err := cs.Leaderboard(ctx, 10, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected primary leaderboard, got %+v %v", entries, err)
	}
}
