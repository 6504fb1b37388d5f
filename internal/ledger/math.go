package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/finnacle/ledger-engine/internal/money"
)

// averageCost blends an existing position with a new lot:
// floor((avg*qty + price*add) / (qty+add)). The intermediate sum may exceed
// int64; the result never exceeds max(avg, price).
func averageCost(avg money.Cents, qty int64, price money.Cents, add int64) money.Cents {
	total := decimal.NewFromInt(int64(avg)).Mul(decimal.NewFromInt(qty)).
		Add(decimal.NewFromInt(int64(price)).Mul(decimal.NewFromInt(add)))
	n := decimal.NewFromInt(qty).Add(decimal.NewFromInt(add))
	// Operands are non-negative, so truncation is floor.
	q, _ := total.QuoRem(n, 0)
	return money.Cents(q.IntPart())
}

// realizedPnL returns (price - avg) * quantity.
func realizedPnL(price, avg money.Cents, quantity int64) (money.Cents, error) {
	return money.Mul(price-avg, quantity)
}
