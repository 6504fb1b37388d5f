package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is the parent of every validation failure.
	ErrInvalidInput = errors.New("ledger: invalid input")

	ErrInvalidQuantity    = fmt.Errorf("%w: quantity", ErrInvalidInput)
	ErrInvalidPrice       = fmt.Errorf("%w: price", ErrInvalidInput)
	ErrInvalidAmount      = fmt.Errorf("%w: amount", ErrInvalidInput)
	ErrInvalidReason      = fmt.Errorf("%w: reason", ErrInvalidInput)
	ErrInvalidBusinessKey = fmt.Errorf("%w: business key", ErrInvalidInput)
	ErrInvalidUser        = fmt.Errorf("%w: user id", ErrInvalidInput)

	// ErrInsufficientFunds is returned when a buy costs more than the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientQuantity is returned when selling more than is held.
	ErrInsufficientQuantity = errors.New("ledger: insufficient quantity")

	// ErrConcurrencyConflict is returned when the store aborted the unit
	// because of a concurrent writer. Nothing was applied.
	ErrConcurrencyConflict = errors.New("ledger: concurrent update conflict")

	// ErrPersistence is returned for any other storage failure. Nothing was
	// applied.
	ErrPersistence = errors.New("ledger: persistence failure")
)
