// Package services holds the business logic of the voice generation
// backend: the credit ledger, usage metering, task orchestration, credit
// orders and account administration.
//
// This file defines the error taxonomy. Translation into HTTP status codes
// and response envelopes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means no verified identity is attached to the call.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is known but may not do this.
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientFunds is returned when a debit finds the balance too low.
	ErrInsufficientFunds = errors.New("insufficient credits")

	// ErrBalanceCeiling is returned when a credit or balance correction
	// would exceed the configured ceiling.
	ErrBalanceCeiling = errors.New("balance would exceed the ceiling")

	// ErrDeltaTooLarge is returned when a single credit exceeds the
	// per-operation maximum.
	ErrDeltaTooLarge = errors.New("credit amount exceeds the per-operation maximum")

	// ErrOrderProcessed is returned when an order already left pending.
	ErrOrderProcessed = errors.New("order already processed")

	// ErrTaskDeleted is returned when a task was already deleted upstream.
	ErrTaskDeleted = errors.New("task already deleted")

	// ErrDuplicateTxID is returned when a payment transaction id was used
	// by another order.
	ErrDuplicateTxID = errors.New("transaction id already used")

	// ErrQuotaExceeded is returned when the sliding-window counter refuses.
	ErrQuotaExceeded = errors.New("request quota exceeded")

	// ErrInvalidAPIKey is returned when the vendor rejects a caller key.
	ErrInvalidAPIKey = errors.New("vendor api key rejected")

	// Not-found errors, one per addressable resource.
	ErrUserNotFound    = errors.New("user not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrPackageNotFound = errors.New("package not found")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// invalid is shorthand for a *ValidationError.
func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// VendorError wraps a failed upstream call. Status is the vendor HTTP
// status, or zero for transport failures.
type VendorError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *VendorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("vendor %s failed (%d): %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("vendor %s failed: %s", e.Op, e.Detail)
}

func (e *VendorError) Unwrap() error { return e.Err }
