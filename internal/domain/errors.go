package domain

import (
	"errors"
	"fmt"
)

// Error classes. Concrete errors wrap exactly one of these so callers can
// branch with errors.Is without knowing every specific failure.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvariantViolation  = errors.New("invariant violation")
)

var (
	ErrAccountNotFound   = fmt.Errorf("account %w", ErrNotFound)
	ErrDepositNotFound   = fmt.Errorf("deposit request %w", ErrNotFound)
	ErrLoanNotFound      = fmt.Errorf("loan %w", ErrNotFound)
	ErrTransactionAbsent = fmt.Errorf("transaction %w", ErrNotFound)
	ErrRepaymentAbsent   = fmt.Errorf("repayment %w", ErrNotFound)

	ErrDuplicateExternalRef  = fmt.Errorf("duplicate external reference: %w", ErrConflict)
	ErrDuplicatePaymentKey   = fmt.Errorf("duplicate payment key: %w", ErrConflict)
	ErrTerminalState         = fmt.Errorf("request already in a terminal state: %w", ErrConflict)
	ErrNotExpired            = fmt.Errorf("expiry horizon has not elapsed: %w", ErrConflict)
	ErrScheduleExhausted     = fmt.Errorf("loan is fully repaid: %w", ErrConflict)
	ErrIdempotencyMismatch   = fmt.Errorf("external reference reused with a different payload: %w", ErrConflict)
	ErrSettledAmountMismatch = fmt.Errorf("gateway settled amount differs from requested amount: %w", ErrConflict)

	ErrInvalidAmount   = fmt.Errorf("amount must be positive: %w", ErrValidation)
	ErrAccountInactive = fmt.Errorf("account is not active: %w", ErrValidation)
	ErrOverpayment     = fmt.Errorf("amount exceeds outstanding loan balance: %w", ErrValidation)
	ErrPartialRejected = fmt.Errorf("amount does not cover the next scheduled payment: %w", ErrValidation)
)

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// Invariantf builds an ErrInvariantViolation. These indicate bugs and must abort the operation.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvariantViolation)
}

// Upstreamf builds an ErrUpstreamUnavailable, optionally wrapping the transport cause.
func Upstreamf(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		return fmt.Errorf("%s: %w: %w", msg, ErrUpstreamUnavailable, cause)
	}
	return fmt.Errorf("%s: %w", msg, ErrUpstreamUnavailable)
}
