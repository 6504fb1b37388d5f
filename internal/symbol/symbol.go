// Package symbol handles ticker normalization and validation for traded
// instruments. Symbols are stored upper-case; exchange-qualified forms such as
// "BINANCE:BTCUSDT" and class shares such as "BRK.B" are accepted.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen is the longest accepted symbol after normalization.
const MaxLen = 32

// symbolRegex matches: leading letter or digit, then letters, digits and . - : / ^ =
// Examples: AAPL, BRK.B, ^GSPC, OANDA:EUR_USD, BINANCE:BTCUSDT
var symbolRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-:/^=_]*$`)

// ErrInvalidSymbol is returned for empty or malformed symbols.
var ErrInvalidSymbol = errors.New("symbol: invalid symbol")

// Normalize trims and upper-cases raw, then validates the result.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if len(s) > MaxLen {
		return "", fmt.Errorf("%w: %q longer than %d characters", ErrInvalidSymbol, s, MaxLen)
	}
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return s, nil
}
