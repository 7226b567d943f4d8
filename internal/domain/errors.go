package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateRoute        = errors.New("an open route already exists for this order and network")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrCurrencyMismatch      = errors.New("currency mismatch")
	ErrUnknownRoute          = errors.New("event matches no open route")
	ErrDuplicateEvent        = errors.New("event already recorded")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrPrecision             = errors.New("amount exceeds currency precision")
	ErrUnsupportedNetwork    = errors.New("unsupported network")
	ErrPoolExhausted         = errors.New("no settlement identifier available")
	ErrTransferNotScheduled  = errors.New("transfer is not scheduled")
	ErrTransferNotCancelable = errors.New("transfer can not be canceled")
	ErrTransferInFlight      = errors.New("transfer execution in progress")
	ErrOutcomeUnknown        = errors.New("transfer outcome unknown")
	ErrIdempotencyMismatch   = errors.New("key reuse with mismatched payload")
)

// ExecutionError is returned by an external executor that rejected or
// failed to move value. The attempt never left the system.
type ExecutionError struct {
	Network string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution on %s failed: %v", e.Network, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
