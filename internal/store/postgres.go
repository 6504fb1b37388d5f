package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as BIGINT cents.
type PostgresStore struct {
	pool *pgxpool.Pool

	// betweenSummaryReads runs after Summary reads the wallet; tests use it
	// to interleave a commit.
	betweenSummaryReads func()
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id            TEXT PRIMARY KEY,
	balance_cents      BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
	realized_pnl_cents BIGINT NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_wallets_balance ON wallets (balance_cents DESC, user_id);

CREATE TABLE IF NOT EXISTS holdings (
	id             BIGSERIAL PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES wallets (user_id),
	symbol         TEXT NOT NULL,
	quantity       BIGINT NOT NULL CHECK (quantity > 0),
	avg_cost_cents BIGINT NOT NULL CHECK (avg_cost_cents > 0),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS credit_records (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES wallets (user_id),
	amount_cents BIGINT NOT NULL,
	reason       TEXT NOT NULL,
	business_key TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, reason, business_key)
);
`

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if userID == "" {
		return ErrUserRequired
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgErr(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return mapPgErr(fmt.Errorf("ensure wallet %s: %w", userID, err))
	}
	// Row lock: serializes units for this user across processes.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM wallets WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return mapPgErr(fmt.Errorf("lock wallet %s: %w", userID, err))
	}

	if err := fn(&pgTx{tx: tx, userID: userID}); err != nil {
		return mapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Summary reads the wallet and holdings from one REPEATABLE READ snapshot,
// so a concurrent commit is seen entirely or not at all.
func (s *PostgresStore) Summary(ctx context.Context, userID string) (model.Wallet, []model.Holding, error) {
	w := model.Wallet{UserID: userID}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return w, nil, fmt.Errorf("begin summary %s: %w", userID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var balance, pnl int64
	err = tx.QueryRow(ctx,
		`SELECT balance_cents, realized_pnl_cents, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&balance, &pnl, &w.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return w, []model.Holding{}, nil
	case err != nil:
		return w, nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	w.BalanceCents = money.Cents(balance)
	w.RealizedPnLCents = money.Cents(pnl)

	if s.betweenSummaryReads != nil {
		s.betweenSummaryReads()
	}

	rows, err := tx.Query(ctx, selectHoldings, userID)
	if err != nil {
		return w, nil, fmt.Errorf("list holdings %s: %w", userID, err)
	}
	holdings, err := scanHoldings(rows)
	if err != nil {
		return w, nil, err
	}
	return w, holdings, nil
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, balance_cents, RANK() OVER (ORDER BY balance_cents DESC) AS rank
		 FROM wallets
		 ORDER BY balance_cents DESC, user_id ASC
		 LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, err
	}
	return scanLeaderboard(rows)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgTx is one unit of work bound to a user.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Wallet(ctx context.Context) (model.Wallet, error) {
	w := model.Wallet{UserID: t.userID}
	var balance, pnl int64
	err := t.tx.QueryRow(ctx,
		`SELECT balance_cents, realized_pnl_cents, updated_at FROM wallets WHERE user_id = $1`, t.userID).
		Scan(&balance, &pnl, &w.UpdatedAt)
	if err != nil {
		return w, fmt.Errorf("get wallet %s: %w", t.userID, err)
	}
	w.BalanceCents = money.Cents(balance)
	w.RealizedPnLCents = money.Cents(pnl)
	return w, nil
}

func (t *pgTx) AdjustWallet(ctx context.Context, balanceDelta, pnlDelta money.Cents) (model.Wallet, error) {
	w := model.Wallet{UserID: t.userID}
	var balance, pnl int64
	err := t.tx.QueryRow(ctx,
		`UPDATE wallets
		 SET balance_cents = balance_cents + $2,
		     realized_pnl_cents = realized_pnl_cents + $3,
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING balance_cents, realized_pnl_cents, updated_at`,
		t.userID, int64(balanceDelta), int64(pnlDelta)).
		Scan(&balance, &pnl, &w.UpdatedAt)
	if err != nil {
		return w, fmt.Errorf("adjust wallet %s: %w", t.userID, err)
	}
	w.BalanceCents = money.Cents(balance)
	w.RealizedPnLCents = money.Cents(pnl)
	return w, nil
}

func (t *pgTx) Holding(ctx context.Context, symbol string) (*model.Holding, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, symbol, quantity, avg_cost_cents, created_at
		 FROM holdings WHERE user_id = $1 AND symbol = $2`, t.userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", t.userID, symbol, err)
	}
	holdings, err := scanHoldings(rows)
	if err != nil || len(holdings) == 0 {
		return nil, err
	}
	return &holdings[0], nil
}

func (t *pgTx) UpsertAfterBuy(ctx context.Context, symbol string, quantity int64, avgCost money.Cents) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (user_id, symbol, quantity, avg_cost_cents)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, symbol)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost_cents = EXCLUDED.avg_cost_cents`,
		t.userID, symbol, quantity, int64(avgCost))
	if err != nil {
		return fmt.Errorf("upsert holding %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *pgTx) ReduceOrDelete(ctx context.Context, symbol string, quantity int64) error {
	var err error
	if quantity <= 0 {
		_, err = t.tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND symbol = $2`, t.userID, symbol)
	} else {
		_, err = t.tx.Exec(ctx,
			`UPDATE holdings SET quantity = $3 WHERE user_id = $1 AND symbol = $2`, t.userID, symbol, quantity)
	}
	if err != nil {
		return fmt.Errorf("reduce holding %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *pgTx) Holdings(ctx context.Context) ([]model.Holding, error) {
	rows, err := t.tx.Query(ctx, selectHoldings, t.userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings %s: %w", t.userID, err)
	}
	return scanHoldings(rows)
}

func (t *pgTx) InsertCreditIfAbsent(ctx context.Context, rec *model.CreditRecord) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO credit_records (id, user_id, amount_cents, reason, business_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, reason, business_key) DO NOTHING`,
		rec.ID, t.userID, int64(rec.AmountCents), string(rec.Reason), rec.BusinessKey, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert credit %s/%s: %w", t.userID, rec.BusinessKey, err)
	}
	return tag.RowsAffected() > 0, nil
}

const selectHoldings = `SELECT user_id, symbol, quantity, avg_cost_cents, created_at
	FROM holdings WHERE user_id = $1 ORDER BY id`

// scanHoldings reads pgx rows into Holding slices and closes them.
func scanHoldings(rows pgx.Rows) ([]model.Holding, error) {
	defer rows.Close()

	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		var avg int64
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Quantity, &avg, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.AvgCostCents = money.Cents(avg)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func scanLeaderboard(rows pgx.Rows) ([]model.LeaderboardEntry, error) {
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		var e model.LeaderboardEntry
		var balance, rank int64
		if err := rows.Scan(&e.UserID, &balance, &rank); err != nil {
			return nil, err
		}
		e.BalanceCents = money.Cents(balance)
		e.Rank = int(rank)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// mapPgErr turns serialization failures and deadlocks into ErrConflict.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}
