package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each user has its own lock; a unit of work mutates a staged copy of the
// user's ledger which replaces the live one only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex // guards users, not their contents
	users map[string]*userLedger
	now   func() time.Time
}

type creditKey struct {
	reason model.Reason
	key    string
}

type userLedger struct {
	mu       sync.Mutex
	wallet   model.Wallet
	holdings []model.Holding // creation order
	credits  map[creditKey]model.CreditRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*userLedger),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) ledger(userID string, create bool) *userLedger {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.users[userID]
	if !ok && create {
		l = &userLedger{
			wallet:  model.Wallet{UserID: userID, UpdatedAt: s.now()},
			credits: make(map[creditKey]model.CreditRecord),
		}
		s.users[userID] = l
	}
	return l
}

func (s *MemoryStore) InUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if userID == "" {
		return ErrUserRequired
	}
	l := s.ledger(userID, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memoryTx{
		now:      s.now,
		wallet:   l.wallet,
		holdings: slices.Clone(l.holdings),
		credits:  l.credits,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit.
	l.wallet = tx.wallet
	l.holdings = tx.holdings
	for k, rec := range tx.newCredits {
		l.credits[k] = rec
	}
	return nil
}

func (s *MemoryStore) Summary(_ context.Context, userID string) (model.Wallet, []model.Holding, error) {
	l := s.ledger(userID, false)
	if l == nil {
		return model.Wallet{UserID: userID}, []model.Holding{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	holdings := slices.Clone(l.holdings)
	if holdings == nil {
		holdings = []model.Holding{}
	}
	return l.wallet, holdings, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	s.mu.Lock()
	ledgers := make([]*userLedger, 0, len(s.users))
	for _, l := range s.users {
		ledgers = append(ledgers, l)
	}
	s.mu.Unlock()

	board := make([]model.LeaderboardEntry, 0, len(ledgers))
	for _, l := range ledgers {
		l.mu.Lock()
		board = append(board, model.LeaderboardEntry{UserID: l.wallet.UserID, BalanceCents: l.wallet.BalanceCents})
		l.mu.Unlock()
	}
	slices.SortFunc(board, func(a, b model.LeaderboardEntry) int {
		if a.BalanceCents != b.BalanceCents {
			if a.BalanceCents > b.BalanceCents {
				return -1
			}
			return 1
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	rank(board)
	return page(board, limit, offset), nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx is the staged state of one unit of work.
type memoryTx struct {
	now        func() time.Time
	wallet     model.Wallet
	holdings   []model.Holding
	credits    map[creditKey]model.CreditRecord // committed, read-only here
	newCredits map[creditKey]model.CreditRecord
}

func (t *memoryTx) Wallet(_ context.Context) (model.Wallet, error) {
	return t.wallet, nil
}

func (t *memoryTx) AdjustWallet(_ context.Context, balanceDelta, pnlDelta money.Cents) (model.Wallet, error) {
	balance, err := money.Add(t.wallet.BalanceCents, balanceDelta)
	if err != nil {
		return model.Wallet{}, err
	}
	pnl, err := money.Add(t.wallet.RealizedPnLCents, pnlDelta)
	if err != nil {
		return model.Wallet{}, err
	}
	t.wallet.BalanceCents = balance
	t.wallet.RealizedPnLCents = pnl
	t.wallet.UpdatedAt = t.now()
	return t.wallet, nil
}

func (t *memoryTx) find(symbol string) int {
	return slices.IndexFunc(t.holdings, func(h model.Holding) bool { return h.Symbol == symbol })
}

func (t *memoryTx) Holding(_ context.Context, symbol string) (*model.Holding, error) {
	i := t.find(symbol)
	if i < 0 {
		return nil, nil
	}
	h := t.holdings[i]
	return &h, nil
}

func (t *memoryTx) UpsertAfterBuy(_ context.Context, symbol string, quantity int64, avgCost money.Cents) error {
	if i := t.find(symbol); i >= 0 {
		t.holdings[i].Quantity = quantity
		t.holdings[i].AvgCostCents = avgCost
		return nil
	}
	t.holdings = append(t.holdings, model.Holding{
		UserID:       t.wallet.UserID,
		Symbol:       symbol,
		Quantity:     quantity,
		AvgCostCents: avgCost,
		CreatedAt:    t.now(),
	})
	return nil
}

func (t *memoryTx) ReduceOrDelete(_ context.Context, symbol string, quantity int64) error {
	i := t.find(symbol)
	if i < 0 {
		return nil
	}
	if quantity <= 0 {
		t.holdings = slices.Delete(t.holdings, i, i+1)
		return nil
	}
	t.holdings[i].Quantity = quantity
	return nil
}

func (t *memoryTx) Holdings(_ context.Context) ([]model.Holding, error) {
	out := slices.Clone(t.holdings)
	if out == nil {
		out = []model.Holding{}
	}
	return out, nil
}

func (t *memoryTx) InsertCreditIfAbsent(_ context.Context, rec *model.CreditRecord) (bool, error) {
	k := creditKey{reason: rec.Reason, key: rec.BusinessKey}
	if _, ok := t.credits[k]; ok {
		return false, nil
	}
	if _, ok := t.newCredits[k]; ok {
		return false, nil
	}
	if t.newCredits == nil {
		t.newCredits = make(map[creditKey]model.CreditRecord)
	}
	stored := *rec
	stored.UserID = t.wallet.UserID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = t.now()
	}
	t.newCredits[k] = stored
	return true, nil
}
