package symbol

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"aapl":            "AAPL",
		"  msft ":         "MSFT",
		"brk.b":           "BRK.B",
		"^gspc":           "^GSPC",
		"binance:btcusdt": "BINANCE:BTCUSDT",
		"OANDA:EUR_USD":   "OANDA:EUR_USD",
		"7203.T":          "7203.T",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"AA PL",
		".AAPL",
		"AAPL;DROP",
		"ÄPPLE",
		strings.Repeat("A", MaxLen+1),
	}
	for _, in := range tests {
		_, err := Normalize(in)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Normalize(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}
