package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/finnacle/ledger-engine/internal/money"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestCachedQuoter_MissThenHit(t *testing.T) {
	mr, rdb := newRedis(t)
	next := &fixedQuoter{cents: 18325}
	q := NewCachedQuoter(next, rdb, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := q.Quote(ctx, "AAPL")
		if err != nil || c != 18325 {
			t.Fatalf("quote %d: got %d, %v", i, c, err)
		}
	}
	if n := next.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}
	if v, err := mr.Get("quote:AAPL"); err != nil || v != "18325" {
		t.Errorf("expected cached 18325, got %q (%v)", v, err)
	}
	if ttl := mr.TTL("quote:AAPL"); ttl != 10*time.Second {
		t.Errorf("expected ttl 10s, got %s", ttl)
	}

	mr.FastForward(11 * time.Second)
	if _, err := q.Quote(ctx, "AAPL"); err != nil {
		t.Fatal(err)
	}
	if n := next.calls.Load(); n != 2 {
		t.Errorf("expected refetch after expiry, got %d calls", n)
	}
}

func TestCachedQuoter_ErrorsNotCached(t *testing.T) {
	mr, rdb := newRedis(t)
	next := &fixedQuoter{err: ErrUnknownSymbol}
	q := NewCachedQuoter(next, rdb, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := q.Quote(context.Background(), "NOPE"); !errors.Is(err, ErrUnknownSymbol) {
			t.Fatalf("expected ErrUnknownSymbol, got %v", err)
		}
	}
	if n := next.calls.Load(); n != 2 {
		t.Errorf("expected 2 upstream calls, got %d", n)
	}
	if mr.Exists("quote:NOPE") {
		t.Error("failed lookup was cached")
	}
}

func TestCachedQuoter_GarbageEntryRefetches(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Set("quote:MSFT", "not-a-number")
	next := &fixedQuoter{cents: 40000}
	q := NewCachedQuoter(next, rdb, time.Minute)

	if c, err := q.Quote(context.Background(), "MSFT"); err != nil || c != 40000 {
		t.Fatalf("got %d, %v", c, err)
	}
	if v, _ := mr.Get("quote:MSFT"); v != "40000" {
		t.Errorf("expected entry overwritten, got %q", v)
	}
}

func TestCachedQuoter_RedisDownFallsBack(t *testing.T) {
	mr, rdb := newRedis(t)
	next := &fixedQuoter{cents: 999}
	q := NewCachedQuoter(next, rdb, time.Minute)
	mr.Close()

	c, err := q.Quote(context.Background(), "TSLA")
	if err != nil || c != 999 {
		t.Fatalf("expected fallback quote 999, got %d, %v", c, err)
	}
	if n := next.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}
}

func TestSingleflightQuoter_CollapsesConcurrentLookups(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	slow := QuoterFunc(func(context.Context, string) (money.Cents, error) {
		calls.Add(1)
		<-release
		return 4200, nil
	})
	q := NewSingleflightQuoter(slow, time.Second)

	const n = 10
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]money.Cents, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], _ = q.Quote(context.Background(), "MSFT")
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, c := range results {
		if c != 4200 {
			t.Errorf("result %d: got %d", i, c)
		}
	}
	if n := calls.Load(); n < 1 || n > 10 {
		t.Errorf("unexpected call count %d", n)
	}
}

func TestSingleflightQuoter_AbandonedCallerDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	slow := QuoterFunc(func(ctx context.Context, _ string) (money.Cents, error) {
		calls.Add(1)
		select {
		case <-release:
			return 4200, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	q := NewSingleflightQuoter(slow, time.Second)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := q.Quote(first, "NVDA")
		firstErr <- err
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("abandoned caller: expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abandoned caller kept waiting")
	}

	var wg sync.WaitGroup
	var got money.Cents
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err = q.Quote(context.Background(), "NVDA")
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if err != nil || got != 4200 {
		t.Fatalf("live caller: expected 4200, got %d, %v", got, err)
	}
}

func TestSingleflightQuoter_SharedCallTimesOut(t *testing.T) {
	hang := QuoterFunc(func(ctx context.Context, _ string) (money.Cents, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	q := NewSingleflightQuoter(hang, 20*time.Millisecond)

	_, err := q.Quote(context.Background(), "AMD")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
