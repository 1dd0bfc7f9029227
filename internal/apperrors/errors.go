package apperrors

import (
	"errors"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountClosed    = errors.New("account is closed")
	ErrAccountSuspended = errors.New("account is suspended")

	ErrAmountInvalid       = errors.New("amount must be positive")
	ErrBalanceInsufficient = errors.New("insufficient balance")

	// A different request currently holds the same idempotency key.
	// Safe to retry with the same key once the holder finishes.
	ErrRequestInProgress = errors.New("request with same idempotency key in progress")

	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

	// An entry with the same idempotency key (or sequence slot) is already
	// committed. Resolved by returning the stored entry, never by retrying
	// the insert.
	ErrDuplicateEntry = errors.New("ledger entry already exists")

	ErrTimeout = errors.New("operation timed out")

	// Invariant violations: a bug upstream, never a normal runtime condition.
	ErrOutOfOrderApply    = errors.New("entry applied out of order")
	ErrProjectionMismatch = errors.New("projected balance diverged from ledger")
)

// Retryable reports whether the caller may safely retry the operation
// with the same idempotency key.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRequestInProgress)
}

// Permanent reports whether the operation will always fail as issued.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrAccountClosed),
		errors.Is(err, ErrAccountSuspended),
		errors.Is(err, ErrAmountInvalid),
		errors.Is(err, ErrBalanceInsufficient):
		return true
	}
	return false
}

// Internal reports whether the error indicates a bug rather than a caller
// mistake. These must be alerted on and trigger reconciliation.
func Internal(err error) bool {
	return errors.Is(err, ErrOutOfOrderApply) || errors.Is(err, ErrProjectionMismatch)
}
