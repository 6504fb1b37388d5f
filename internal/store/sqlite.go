package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
)

// Compile-time interface checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*CachedStore)(nil)
)

// SQLiteStore implements Store on an embedded SQLite database. A single
// connection serializes writers, so every unit of work sees a consistent
// snapshot and the wallet check-then-write cannot interleave.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id            TEXT PRIMARY KEY,
	balance_cents      INTEGER NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
	realized_pnl_cents INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallets_balance ON wallets (balance_cents DESC, user_id);

CREATE TABLE IF NOT EXISTS holdings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id        TEXT NOT NULL REFERENCES wallets (user_id),
	symbol         TEXT NOT NULL,
	quantity       INTEGER NOT NULL CHECK (quantity > 0),
	avg_cost_cents INTEGER NOT NULL CHECK (avg_cost_cents > 0),
	created_at     INTEGER NOT NULL,
	UNIQUE (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS credit_records (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES wallets (user_id),
	amount_cents INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	business_key TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE (user_id, reason, business_key)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if userID == "" {
		return ErrUserRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, updated_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`,
		userID, time.Now().UnixMilli()); err != nil {
		return mapSQLiteErr(fmt.Errorf("ensure wallet %s: %w", userID, err))
	}

	if err := fn(&sqliteTx{tx: tx, userID: userID}); err != nil {
		return mapSQLiteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Summary(ctx context.Context, userID string) (model.Wallet, []model.Holding, error) {
	// One read transaction so the wallet and holdings share a snapshot.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.Wallet{UserID: userID}, nil, fmt.Errorf("begin summary %s: %w", userID, err)
	}
	defer tx.Rollback()

	w, err := queryWallet(ctx, tx, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Wallet{UserID: userID}, []model.Holding{}, nil
	case err != nil:
		return w, nil, err
	}

	rows, err := tx.QueryContext(ctx, sqliteSelectHoldings, userID)
	if err != nil {
		return w, nil, fmt.Errorf("list holdings %s: %w", userID, err)
	}
	holdings, err := scanSQLiteHoldings(rows)
	if err != nil {
		return w, nil, err
	}
	return w, holdings, nil
}

func (s *SQLiteStore) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, balance_cents, RANK() OVER (ORDER BY balance_cents DESC) AS rank
		 FROM wallets
		 ORDER BY balance_cents DESC, user_id ASC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		var e model.LeaderboardEntry
		var balance int64
		if err := rows.Scan(&e.UserID, &balance, &e.Rank); err != nil {
			return nil, err
		}
		e.BalanceCents = money.Cents(balance)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// sqliteTx is one unit of work bound to a user.
type sqliteTx struct {
	tx     *sql.Tx
	userID string
}

func (t *sqliteTx) Wallet(ctx context.Context) (model.Wallet, error) {
	return queryWallet(ctx, t.tx, t.userID)
}

func (t *sqliteTx) AdjustWallet(ctx context.Context, balanceDelta, pnlDelta money.Cents) (model.Wallet, error) {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE wallets
		 SET balance_cents = balance_cents + ?,
		     realized_pnl_cents = realized_pnl_cents + ?,
		     updated_at = ?
		 WHERE user_id = ?`,
		int64(balanceDelta), int64(pnlDelta), time.Now().UnixMilli(), t.userID); err != nil {
		return model.Wallet{}, fmt.Errorf("adjust wallet %s: %w", t.userID, err)
	}
	return queryWallet(ctx, t.tx, t.userID)
}

func (t *sqliteTx) Holding(ctx context.Context, symbol string) (*model.Holding, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id, symbol, quantity, avg_cost_cents, created_at
		 FROM holdings WHERE user_id = ? AND symbol = ?`, t.userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", t.userID, symbol, err)
	}
	holdings, err := scanSQLiteHoldings(rows)
	if err != nil || len(holdings) == 0 {
		return nil, err
	}
	return &holdings[0], nil
}

func (t *sqliteTx) UpsertAfterBuy(ctx context.Context, symbol string, quantity int64, avgCost money.Cents) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO holdings (user_id, symbol, quantity, avg_cost_cents, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, symbol)
		 DO UPDATE SET quantity = excluded.quantity, avg_cost_cents = excluded.avg_cost_cents`,
		t.userID, symbol, quantity, int64(avgCost), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert holding %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *sqliteTx) ReduceOrDelete(ctx context.Context, symbol string, quantity int64) error {
	var err error
	if quantity <= 0 {
		_, err = t.tx.ExecContext(ctx,
			`DELETE FROM holdings WHERE user_id = ? AND symbol = ?`, t.userID, symbol)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE holdings SET quantity = ? WHERE user_id = ? AND symbol = ?`, quantity, t.userID, symbol)
	}
	if err != nil {
		return fmt.Errorf("reduce holding %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *sqliteTx) Holdings(ctx context.Context) ([]model.Holding, error) {
	rows, err := t.tx.QueryContext(ctx, sqliteSelectHoldings, t.userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings %s: %w", t.userID, err)
	}
	return scanSQLiteHoldings(rows)
}

func (t *sqliteTx) InsertCreditIfAbsent(ctx context.Context, rec *model.CreditRecord) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO credit_records (id, user_id, amount_cents, reason, business_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, reason, business_key) DO NOTHING`,
		rec.ID, t.userID, int64(rec.AmountCents), string(rec.Reason), rec.BusinessKey, rec.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert credit %s/%s: %w", t.userID, rec.BusinessKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const sqliteSelectHoldings = `SELECT user_id, symbol, quantity, avg_cost_cents, created_at
	FROM holdings WHERE user_id = ? ORDER BY id`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryWallet(ctx context.Context, q queryer, userID string) (model.Wallet, error) {
	w := model.Wallet{UserID: userID}
	var balance, pnl, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT balance_cents, realized_pnl_cents, updated_at FROM wallets WHERE user_id = ?`, userID).
		Scan(&balance, &pnl, &updated)
	if err != nil {
		return w, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	w.BalanceCents = money.Cents(balance)
	w.RealizedPnLCents = money.Cents(pnl)
	w.UpdatedAt = time.UnixMilli(updated).UTC()
	return w, nil
}

func scanSQLiteHoldings(rows *sql.Rows) ([]model.Holding, error) {
	defer rows.Close()

	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		var avg, created int64
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Quantity, &avg, &created); err != nil {
			return nil, err
		}
		h.AvgCostCents = money.Cents(avg)
		h.CreatedAt = time.UnixMilli(created).UTC()
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// mapSQLiteErr turns busy/locked database errors into ErrConflict.
func mapSQLiteErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", ErrConflict, se.Error())
		}
	}
	return err
}
