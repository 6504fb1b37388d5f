package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finnacle/ledger-engine/internal/money"
	"github.com/finnacle/ledger-engine/internal/symbol"
)

func i64(v int64) *int64 { return &v }

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// fixedQuoter returns the same answer for every symbol and counts calls.
type fixedQuoter struct {
	cents money.Cents
	err   error
	calls atomic.Int32
}

func (q *fixedQuoter) Quote(context.Context, string) (money.Cents, error) {
	q.calls.Add(1)
	return q.cents, q.err
}

func TestResolve_Precedence(t *testing.T) {
	ctx := context.Background()
	q := &fixedQuoter{cents: 20000}
	r := NewResolver(q)

	tests := []struct {
		name string
		spec PriceSpec
		want money.Cents
	}{
		{"cents wins over amount", PriceSpec{Cents: i64(15000), Amount: dec("99.99")}, 15000},
		{"amount when no cents", PriceSpec{Amount: dec("183.25")}, 18325},
		{"amount rounds half away from zero", PriceSpec{Amount: dec("0.125")}, 13},
		{"zero cents falls through to amount", PriceSpec{Cents: i64(0), Amount: dec("1.50")}, 150},
		{"zero cents and zero amount fall through to quote", PriceSpec{Cents: i64(0), Amount: dec("0")}, 20000},
		{"sub-cent amount falls through to quote", PriceSpec{Amount: dec("0.004")}, 20000},
		{"nothing uses quote", PriceSpec{}, 20000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, "AAPL", tt.spec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResolve_ExplicitPriceSkipsQuoter(t *testing.T) {
	q := &fixedQuoter{cents: 1}
	r := NewResolver(q)
	if _, err := r.Resolve(context.Background(), "AAPL", PriceSpec{Cents: i64(100)}); err != nil {
		t.Fatal(err)
	}
	if n := q.calls.Load(); n != 0 {
		t.Errorf("quoter called %d times for an explicit price", n)
	}
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		quoter  Quoter
		spec    PriceSpec
		wantErr error
	}{
		{"negative cents", &fixedQuoter{cents: 100}, PriceSpec{Cents: i64(-1)}, ErrInvalidPrice},
		{"negative amount", &fixedQuoter{cents: 100}, PriceSpec{Amount: dec("-2.00")}, ErrInvalidPrice},
		{"no quoter", nil, PriceSpec{}, ErrPriceUnavailable},
		{"quote is zero", &fixedQuoter{cents: 0}, PriceSpec{}, ErrPriceUnavailable},
		{"quote unavailable", &fixedQuoter{err: ErrQuoteUnavailable}, PriceSpec{}, ErrPriceUnavailable},
		{"unknown symbol", &fixedQuoter{err: ErrUnknownSymbol}, PriceSpec{}, symbol.ErrInvalidSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r *Resolver
			if tt.quoter == nil {
				r = NewResolver(nil)
			} else {
				r = NewResolver(tt.quoter)
			}
			_, err := r.Resolve(ctx, "AAPL", tt.spec)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPriceUnavailable_IsInvalidPrice(t *testing.T) {
	if !errors.Is(ErrPriceUnavailable, ErrInvalidPrice) {
		t.Error("ErrPriceUnavailable should match ErrInvalidPrice")
	}
}

func TestFinnhubClient_Quote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("symbol") {
		case "AAPL":
			fmt.Fprint(w, `{"c":183.255,"d":1.2,"dp":0.6,"h":184,"l":181,"o":182,"pc":182.05,"t":1700000000}`)
		case "NOPE":
			fmt.Fprint(w, `{"c":0,"d":null,"dp":null,"h":0,"l":0,"o":0,"pc":0,"t":0}`)
		case "BAD":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "DOWN":
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewFinnhubClient(srv.URL, "secret", time.Second)

	got, err := c.Quote(ctx, "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 18326 {
		t.Errorf("expected 18326, got %d", got)
	}

	if _, err := c.Quote(ctx, "NOPE"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("zero price: expected ErrQuoteUnavailable, got %v", err)
	}
	if _, err := c.Quote(ctx, "BAD"); !errors.Is(err, symbol.ErrInvalidSymbol) {
		t.Errorf("4xx: expected ErrInvalidSymbol, got %v", err)
	}
	if _, err := c.Quote(ctx, "DOWN"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("5xx: expected ErrQuoteUnavailable, got %v", err)
	}

	bad := NewFinnhubClient(srv.URL, "wrong", time.Second)
	if _, err := bad.Quote(ctx, "AAPL"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("401: expected ErrQuoteUnavailable, got %v", err)
	}
}

func TestFinnhubClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := NewResolver(NewFinnhubClient(url, "x", time.Second))
	if _, err := r.Resolve(context.Background(), "AAPL", PriceSpec{}); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}
