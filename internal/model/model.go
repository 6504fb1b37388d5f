// Package model defines the core domain types shared across the ledger engine.
// All monetary values are integer cents (money.Cents), never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/finnacle/ledger-engine/internal/money"
)

// Reason classifies a wallet credit.
type Reason string

const (
	ReasonInitialGrant Reason = "INITIAL_GRANT"
	ReasonReward       Reason = "REWARD"
)

// Valid reports whether r is a known credit reason.
func (r Reason) Valid() bool {
	return r == ReasonInitialGrant || r == ReasonReward
}

// Wallet is a user's cash account. One per user, created lazily with a zero
// balance the first time a unit of work touches the user.
type Wallet struct {
	UserID           string      `json:"user_id" db:"user_id"`
	BalanceCents     money.Cents `json:"balance_cents" db:"balance_cents"`           // >= 0 at rest
	RealizedPnLCents money.Cents `json:"realized_pnl_cents" db:"realized_pnl_cents"` // signed
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// Holding is a user's open position in one symbol. While it exists,
// Quantity > 0 and AvgCostCents > 0; a fully sold holding is deleted.
type Holding struct {
	UserID       string      `json:"user_id" db:"user_id"`
	Symbol       string      `json:"symbol" db:"symbol"`
	Quantity     int64       `json:"quantity" db:"quantity"`
	AvgCostCents money.Cents `json:"avg_cost_cents" db:"avg_cost_cents"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// CreditRecord is an immutable journal entry. (UserID, Reason, BusinessKey)
// is unique for the lifetime of the system.
type CreditRecord struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	AmountCents money.Cents `json:"amount_cents" db:"amount_cents"`
	Reason      Reason      `json:"reason" db:"reason"`
	BusinessKey string      `json:"business_key" db:"business_key"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Position is a holding as presented to clients, optionally marked to market.
// The Last/MarketValue/Unrealized fields are nil when no quote was available.
type Position struct {
	Symbol             string          `json:"symbol"`
	Quantity           int64           `json:"quantity"`
	AvgCostCents       money.Cents     `json:"avg_cost_cents"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	LastPriceCents     *money.Cents    `json:"last_price_cents"`
	MarketValueCents   *money.Cents    `json:"market_value_cents"`
	UnrealizedPnLCents *money.Cents    `json:"unrealized_pnl_cents"`
}

// NewPosition converts a holding into an unpriced Position.
func NewPosition(h Holding) Position {
	return Position{
		Symbol:       h.Symbol,
		Quantity:     h.Quantity,
		AvgCostCents: h.AvgCostCents,
		AvgPrice:     h.AvgCostCents.Decimal(),
	}
}

// Mark sets the quote-derived fields from a last trade price. Amounts that
// would overflow are left nil.
func (p *Position) Mark(last money.Cents) {
	p.LastPriceCents = &last
	if v, err := money.Mul(last, p.Quantity); err == nil {
		p.MarketValueCents = &v
	}
	if u, err := money.Mul(last-p.AvgCostCents, p.Quantity); err == nil {
		p.UnrealizedPnLCents = &u
	}
}

// LeaderboardEntry ranks a user by wallet balance. Ties share a rank.
type LeaderboardEntry struct {
	Rank         int         `json:"rank"`
	UserID       string      `json:"user_id"`
	BalanceCents money.Cents `json:"wallet_balance_cents"`
}
