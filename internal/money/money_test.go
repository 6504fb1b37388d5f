package money

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFromDecimal_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		in   string
		want Cents
	}{
		{"0", 0},
		{"1", 100},
		{"1.5", 150},
		{"0.125", 13},
		{"0.124", 12},
		{"1.005", 101},
		{"2.675", 268},
		{"0.005", 1},
		{"0.0049", 0},
		{"183.2449", 18324},
	}
	for _, tt := range tests {
		d, err := decimal.NewFromString(tt.in)
		if err != nil {
			t.Fatalf("bad fixture %q: %v", tt.in, err)
		}
		got, err := FromDecimal(d)
		if err != nil {
			t.Errorf("FromDecimal(%s): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FromDecimal(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFromDecimal_RejectsNegative(t *testing.T) {
	_, err := FromDecimal(decimal.NewFromFloat(-0.01))
	if !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestFromDecimal_Overflow(t *testing.T) {
	huge := decimal.NewFromInt(math.MaxInt64)
	_, err := FromDecimal(huge)
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMul(t *testing.T) {
	got, err := Mul(1999, 3)
	if err != nil || got != 5997 {
		t.Errorf("Mul(1999, 3) = %d, %v; want 5997", got, err)
	}

	if _, err := Mul(math.MaxInt64/2+1, 2); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := Mul(-10, math.MaxInt64); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow for negative product, got %v", err)
	}
	if _, err := Mul(10, -1); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
	if got, _ := Mul(-150, 5); got != -750 {
		t.Errorf("Mul(-150, 5) = %d, want -750", got)
	}
}

func TestAdd(t *testing.T) {
	if got, err := Add(100, -250); err != nil || got != -150 {
		t.Errorf("Add(100, -250) = %d, %v", got, err)
	}
	if _, err := Add(math.MaxInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := Add(math.MinInt64, -1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestCents_String(t *testing.T) {
	tests := map[Cents]string{
		150:      "$1.50",
		5:        "$0.05",
		-1234567: "-$12,345.67",
	}
	for c, want := range tests {
		if got := c.String(); got != want {
			t.Errorf("Cents(%d).String() = %q, want %q", int64(c), got, want)
		}
	}
}

func TestCents_Decimal(t *testing.T) {
	if got := Cents(15025).Decimal(); !got.Equal(decimal.RequireFromString("150.25")) {
		t.Errorf("Decimal() = %s, want 150.25", got)
	}
}
