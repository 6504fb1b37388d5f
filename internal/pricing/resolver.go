// Package pricing turns a trade request's price specification into a single
// positive integer-cents price. Market data lookups are injected through the
// Quoter interface; the resolver itself performs no I/O.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finnacle/ledger-engine/internal/money"
	"github.com/finnacle/ledger-engine/internal/symbol"
)

var (
	// ErrInvalidPrice is returned for negative or unrepresentable explicit prices.
	ErrInvalidPrice = errors.New("pricing: invalid price")

	// ErrPriceUnavailable is returned when no source yields a positive price.
	ErrPriceUnavailable = fmt.Errorf("%w: no positive price available", ErrInvalidPrice)

	// ErrUnknownSymbol is returned by a Quoter that knows the symbol does not exist.
	ErrUnknownSymbol = fmt.Errorf("%w: unknown to market data provider", symbol.ErrInvalidSymbol)

	// ErrQuoteUnavailable is returned by a Quoter that could not produce a
	// usable quote (transport failure, zero price, rate limiting).
	ErrQuoteUnavailable = errors.New("pricing: quote unavailable")
)

// Quoter looks up the last trade price of a symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (money.Cents, error)
}

// QuoterFunc adapts a function to Quoter.
type QuoterFunc func(ctx context.Context, symbol string) (money.Cents, error)

func (f QuoterFunc) Quote(ctx context.Context, symbol string) (money.Cents, error) {
	return f(ctx, symbol)
}

// PriceSpec is the caller-supplied price. Nil fields are absent.
type PriceSpec struct {
	Cents  *int64           // explicit integer cents
	Amount *decimal.Decimal // explicit major-unit amount, e.g. 183.25
}

// Resolver resolves PriceSpecs. A nil quoter disables the market fallback.
type Resolver struct {
	quoter Quoter
}

// NewResolver creates a resolver backed by q (may be nil).
func NewResolver(q Quoter) *Resolver {
	return &Resolver{quoter: q}
}

// Resolve returns a positive price in cents using, in order: explicit cents,
// explicit amount, market quote. Explicit zero values count as absent;
// negative ones are rejected with ErrInvalidPrice. sym must be normalized.
func (r *Resolver) Resolve(ctx context.Context, sym string, spec PriceSpec) (money.Cents, error) {
	if spec.Cents != nil {
		switch c := *spec.Cents; {
		case c < 0:
			return 0, fmt.Errorf("%w: price_cents %d is negative", ErrInvalidPrice, c)
		case c > 0:
			return money.Cents(c), nil
		}
	}

	if spec.Amount != nil && !spec.Amount.IsZero() {
		c, err := money.FromDecimal(*spec.Amount)
		if err != nil {
			return 0, fmt.Errorf("%w: price %s: %v", ErrInvalidPrice, spec.Amount, err)
		}
		// Sub-cent amounts round to zero and fall through.
		if c > 0 {
			return c, nil
		}
	}

	if r.quoter == nil {
		return 0, ErrPriceUnavailable
	}
	c, err := r.quoter.Quote(ctx, sym)
	switch {
	case errors.Is(err, symbol.ErrInvalidSymbol):
		return 0, err
	case err != nil:
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	case c <= 0:
		return 0, ErrPriceUnavailable
	}
	return c, nil
}
