// Package ledger is the transactional core: it moves cash between a user's
// wallet and their holdings and journals idempotent credits. Every mutation
// runs as one unit of work under a per-user lock, so operations for the same
// user are linearizable and a failed operation leaves no trace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/finnacle/ledger-engine/internal/metrics"
	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
	"github.com/finnacle/ledger-engine/internal/store"
	"github.com/finnacle/ledger-engine/internal/symbol"
)

const (
	// DefaultUnitTimeout bounds a single unit of work.
	DefaultUnitTimeout = 10 * time.Second

	// DefaultInitialGrantCents is the signup grant: $10,000.00.
	DefaultInitialGrantCents money.Cents = 1_000_000

	// InitialGrantKey is the business key of the one-time signup grant.
	InitialGrantKey = "signup"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Fill describes an executed trade.
type Fill struct {
	ID         string      `json:"id"`
	Side       Side        `json:"side"`
	Symbol     string      `json:"symbol"`
	Quantity   int64       `json:"quantity"`
	PriceCents money.Cents `json:"price_cents"`
	ExecutedAt time.Time   `json:"executed_at"`
}

// Result is the ledger state after an operation. RealizedDeltaCents is only
// non-zero for sells.
type Result struct {
	Fill               *Fill
	WalletBalanceCents money.Cents
	RealizedPnLCents   money.Cents
	RealizedDeltaCents money.Cents
	Holdings           []model.Holding
}

// CreditResult reports whether a credit was applied. Duplicates return
// Applied=false with the current balance.
type CreditResult struct {
	Applied            bool        `json:"applied"`
	WalletBalanceCents money.Cents `json:"wallet_balance_cents"`
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	UnitTimeout       time.Duration
	InitialGrantCents money.Cents
}

// Engine executes buys, sells and credits against a Store.
type Engine struct {
	store        store.Store
	locks        *usersMutex
	unitTimeout  time.Duration
	initialGrant money.Cents
	now          func() time.Time
}

// NewEngine creates an engine over st.
func NewEngine(st store.Store, opts Options) *Engine {
	if opts.UnitTimeout <= 0 {
		opts.UnitTimeout = DefaultUnitTimeout
	}
	if opts.InitialGrantCents <= 0 {
		opts.InitialGrantCents = DefaultInitialGrantCents
	}
	return &Engine{
		store:        st,
		locks:        newUsersMutex(),
		unitTimeout:  opts.UnitTimeout,
		initialGrant: opts.InitialGrantCents,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Buy purchases quantity shares of sym at price cents each.
func (e *Engine) Buy(ctx context.Context, userID, sym string, quantity int64, price money.Cents) (Result, error) {
	start := time.Now()
	res, err := e.buy(ctx, userID, sym, quantity, price)
	e.observeTrade(SideBuy, userID, res, err, start)
	return res, err
}

func (e *Engine) buy(ctx context.Context, userID, sym string, quantity int64, price money.Cents) (Result, error) {
	sym, err := validateTrade(userID, sym, quantity, price)
	if err != nil {
		return Result{}, err
	}
	cost, err := money.Mul(price, quantity)
	if err != nil {
		return Result{}, fmt.Errorf("%w: cost of %d x %d overflows", ErrInvalidQuantity, quantity, price)
	}

	var res Result
	err = e.unit(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if w.BalanceCents < cost {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, w.BalanceCents)
		}

		h, err := tx.Holding(ctx, sym)
		if err != nil {
			return err
		}
		newQty, newAvg := quantity, price
		if h != nil {
			if h.Quantity > math.MaxInt64-quantity {
				return fmt.Errorf("%w: position in %s would overflow", ErrInvalidQuantity, sym)
			}
			newQty = h.Quantity + quantity
			newAvg = averageCost(h.AvgCostCents, h.Quantity, price, quantity)
		}
		if err := tx.UpsertAfterBuy(ctx, sym, newQty, newAvg); err != nil {
			return err
		}

		if w, err = tx.AdjustWallet(ctx, -cost, 0); err != nil {
			return err
		}
		holdings, err := tx.Holdings(ctx)
		if err != nil {
			return err
		}
		res = Result{
			WalletBalanceCents: w.BalanceCents,
			RealizedPnLCents:   w.RealizedPnLCents,
			Holdings:           holdings,
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	res.Fill = e.fill(SideBuy, sym, quantity, price)
	return res, nil
}

// Sell disposes of quantity shares of sym at price cents each. Realized PnL
// is measured against the holding's average cost, which a sell never changes.
func (e *Engine) Sell(ctx context.Context, userID, sym string, quantity int64, price money.Cents) (Result, error) {
	start := time.Now()
	res, err := e.sell(ctx, userID, sym, quantity, price)
	e.observeTrade(SideSell, userID, res, err, start)
	return res, err
}

func (e *Engine) sell(ctx context.Context, userID, sym string, quantity int64, price money.Cents) (Result, error) {
	sym, err := validateTrade(userID, sym, quantity, price)
	if err != nil {
		return Result{}, err
	}
	proceeds, err := money.Mul(price, quantity)
	if err != nil {
		return Result{}, fmt.Errorf("%w: proceeds of %d x %d overflow", ErrInvalidQuantity, quantity, price)
	}

	var res Result
	err = e.unit(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		h, err := tx.Holding(ctx, sym)
		if err != nil {
			return err
		}
		if h == nil || h.Quantity < quantity {
			held := int64(0)
			if h != nil {
				held = h.Quantity
			}
			return fmt.Errorf("%w: hold %d %s, selling %d", ErrInsufficientQuantity, held, sym, quantity)
		}

		delta, err := realizedPnL(price, h.AvgCostCents, quantity)
		if err != nil {
			return fmt.Errorf("%w: realized PnL overflows", ErrInvalidQuantity)
		}
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if _, err := money.Add(w.BalanceCents, proceeds); err != nil {
			return fmt.Errorf("%w: balance would overflow", ErrInvalidQuantity)
		}
		if _, err := money.Add(w.RealizedPnLCents, delta); err != nil {
			return fmt.Errorf("%w: realized PnL would overflow", ErrInvalidQuantity)
		}

		if err := tx.ReduceOrDelete(ctx, sym, h.Quantity-quantity); err != nil {
			return err
		}
		if w, err = tx.AdjustWallet(ctx, proceeds, delta); err != nil {
			return err
		}
		holdings, err := tx.Holdings(ctx)
		if err != nil {
			return err
		}
		res = Result{
			WalletBalanceCents: w.BalanceCents,
			RealizedPnLCents:   w.RealizedPnLCents,
			RealizedDeltaCents: delta,
			Holdings:           holdings,
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	res.Fill = e.fill(SideSell, sym, quantity, price)
	return res, nil
}

// Summary returns the committed wallet and holdings. It takes no lock and
// never creates a wallet.
func (e *Engine) Summary(ctx context.Context, userID string) (Result, error) {
	if userID == "" {
		return Result{}, ErrInvalidUser
	}
	w, holdings, err := e.store.Summary(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: summary for %s: %v", ErrPersistence, userID, err)
	}
	return Result{
		WalletBalanceCents: w.BalanceCents,
		RealizedPnLCents:   w.RealizedPnLCents,
		Holdings:           holdings,
	}, nil
}

// Leaderboard ranks users by wallet balance.
func (e *Engine) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrInvalidInput)
	}
	entries, err := e.store.Leaderboard(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: leaderboard: %v", ErrPersistence, err)
	}
	return entries, nil
}

// Credit adds amount to the wallet exactly once per (user, reason, key).
func (e *Engine) Credit(ctx context.Context, userID string, amount money.Cents, reason model.Reason, businessKey string) (CreditResult, error) {
	res, err := e.credit(ctx, userID, amount, reason, businessKey)

	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case !res.Applied:
		outcome = "duplicate"
	}
	metrics.CreditsTotal.WithLabelValues(string(reason), outcome).Inc()
	if err == nil {
		slog.Info("wallet credit",
			"user", userID, "reason", reason, "business_key", businessKey,
			"amount_cents", int64(amount), "applied", res.Applied)
	}
	return res, err
}

func (e *Engine) credit(ctx context.Context, userID string, amount money.Cents, reason model.Reason, businessKey string) (CreditResult, error) {
	switch {
	case userID == "":
		return CreditResult{}, ErrInvalidUser
	case amount <= 0:
		return CreditResult{}, fmt.Errorf("%w: %d must be positive", ErrInvalidAmount, amount)
	case !reason.Valid():
		return CreditResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	case businessKey == "":
		return CreditResult{}, ErrInvalidBusinessKey
	}

	var res CreditResult
	err := e.unit(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		applied, err := tx.InsertCreditIfAbsent(ctx, &model.CreditRecord{
			ID:          uuid.NewString(),
			UserID:      userID,
			AmountCents: amount,
			Reason:      reason,
			BusinessKey: businessKey,
			CreatedAt:   e.now(),
		})
		if err != nil {
			return err
		}
		if applied {
			if _, err := money.Add(w.BalanceCents, amount); err != nil {
				return fmt.Errorf("%w: balance would overflow", ErrInvalidAmount)
			}
			if w, err = tx.AdjustWallet(ctx, amount, 0); err != nil {
				return err
			}
		}
		res = CreditResult{Applied: applied, WalletBalanceCents: w.BalanceCents}
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}
	return res, nil
}

// GrantInitial credits the one-time signup grant.
func (e *Engine) GrantInitial(ctx context.Context, userID string) (CreditResult, error) {
	return e.Credit(ctx, userID, e.initialGrant, model.ReasonInitialGrant, InitialGrantKey)
}

// InitialGrantCents returns the configured signup grant.
func (e *Engine) InitialGrantCents() money.Cents {
	return e.initialGrant
}

// unit runs fn as one unit of work for userID. The caller's context is
// detached from cancellation and bounded by the unit timeout, so a unit
// either commits or rolls back as a whole.
func (e *Engine) unit(ctx context.Context, userID string, fn func(context.Context, store.Tx) error) error {
	unlock := e.locks.lockUser(userID)
	defer unlock()

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.unitTimeout)
	defer cancel()

	err := e.store.InUserTx(uctx, userID, func(tx store.Tx) error {
		return fn(uctx, tx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientQuantity):
		return err
	case errors.Is(err, store.ErrUserRequired):
		return ErrInvalidUser
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	default:
		slog.Error("unit of work failed", "user", userID, "err", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

func (e *Engine) fill(side Side, sym string, quantity int64, price money.Cents) *Fill {
	return &Fill{
		ID:         uuid.NewString(),
		Side:       side,
		Symbol:     sym,
		Quantity:   quantity,
		PriceCents: price,
		ExecutedAt: e.now(),
	}
}

func (e *Engine) observeTrade(side Side, userID string, res Result, err error, start time.Time) {
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	metrics.TradesTotal.WithLabelValues(string(side), outcome(err)).Inc()
	if err != nil {
		return
	}
	metrics.TradeVolume.WithLabelValues(string(side)).Add(float64(res.Fill.Quantity))
	slog.Info("trade executed",
		"trade_id", res.Fill.ID,
		"user", userID,
		"side", side,
		"symbol", res.Fill.Symbol,
		"quantity", res.Fill.Quantity,
		"price_cents", int64(res.Fill.PriceCents),
		"balance_cents", int64(res.WalletBalanceCents),
	)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}

func validateTrade(userID, sym string, quantity int64, price money.Cents) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}
	norm, err := symbol.Normalize(sym)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if quantity <= 0 {
		return "", fmt.Errorf("%w: %d must be positive", ErrInvalidQuantity, quantity)
	}
	if price <= 0 {
		return "", fmt.Errorf("%w: %d must be positive", ErrInvalidPrice, price)
	}
	return norm, nil
}
