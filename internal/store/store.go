// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
)

var (
	// ErrConflict is returned when the backend aborted a unit of work because
	// of a concurrent writer (serialization failure, deadlock, busy database).
	// Nothing from the unit is visible; the whole operation may be retried.
	ErrConflict = errors.New("store: concurrent update conflict")

	// ErrUserRequired is returned when a unit of work is opened without a user.
	ErrUserRequired = errors.New("store: user id is required")
)

// Store is the persistence interface. Every mutation happens inside a
// per-user unit of work; reads outside a unit see only committed state.
type Store interface {
	// InUserTx runs fn inside one atomic unit of work scoped to userID.
	// The user's wallet row is created (zero balance) if missing and locked
	// for the duration. If fn returns an error, none of its writes persist.
	InUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error

	// Summary returns the committed wallet and holdings for a user.
	// Unknown users yield a zero wallet and no holdings.
	Summary(ctx context.Context, userID string) (model.Wallet, []model.Holding, error)

	// Leaderboard ranks wallets by balance, highest first.
	Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error)

	// Close releases backend resources.
	Close() error
}

// Tx is the view of one user's ledger inside a unit of work.
type Tx interface {
	// --- Wallet ---

	// Wallet returns the current wallet.
	Wallet(ctx context.Context) (model.Wallet, error)

	// AdjustWallet adds the deltas to balance and realized PnL and returns
	// the updated wallet. Callers are responsible for balance checks.
	AdjustWallet(ctx context.Context, balanceDelta, pnlDelta money.Cents) (model.Wallet, error)

	// --- Positions ---

	// Holding returns the holding for symbol, or nil when none exists.
	Holding(ctx context.Context, symbol string) (*model.Holding, error)

	// UpsertAfterBuy creates or replaces the holding's quantity and average cost.
	UpsertAfterBuy(ctx context.Context, symbol string, quantity int64, avgCost money.Cents) error

	// ReduceOrDelete sets the holding's quantity, deleting it when quantity <= 0.
	ReduceOrDelete(ctx context.Context, symbol string, quantity int64) error

	// Holdings lists the user's holdings in creation order.
	Holdings(ctx context.Context) ([]model.Holding, error)

	// --- Credit journal ---

	// InsertCreditIfAbsent appends rec unless a record with the same
	// (UserID, Reason, BusinessKey) exists. applied is false for duplicates.
	InsertCreditIfAbsent(ctx context.Context, rec *model.CreditRecord) (applied bool, err error)
}

// rank assigns competition ranks ("1224") to the full board, already sorted
// by balance descending, matching SQL RANK().
func rank(entries []model.LeaderboardEntry) {
	for i := range entries {
		if i > 0 && entries[i].BalanceCents == entries[i-1].BalanceCents {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}

// page applies limit/offset to a slice.
func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
