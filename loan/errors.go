/*
errors.go - Centralized error types for the loan engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain-rule violations are reported as typed errors and propagate to the
  caller without local recovery. The engine never retries internally.

ERROR CATEGORIES:
  1. Lifecycle errors - event not valid from the current status
  2. Ledger errors    - allocation against a missing installment, negative balances
  3. Store errors     - missing loans, optimistic version conflicts

USAGE:
    if errors.Is(err, loan.ErrInvalidTransition) {
        var te *loan.InvalidTransitionError
        errors.As(err, &te)
        log.Printf("cannot %s from %s", te.Event, te.From)
    }
*/
package loan

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when an event is not valid from the loan's status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInstallmentNotFound is returned when allocation targets a non-existent installment.
	ErrInstallmentNotFound = errors.New("installment not found")

	// ErrNegativeBalance is returned when an operation would drive a bucket below zero.
	ErrNegativeBalance = errors.New("negative resulting balance")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrChargeNotFound is returned when a referenced charge doesn't exist.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrInvalidChargeback is returned when a chargeback's origin cannot be charged back.
	ErrInvalidChargeback = errors.New("invalid chargeback origin")

	// ErrInvalidCharge is returned when a charge definition is inconsistent.
	ErrInvalidCharge = errors.New("invalid charge")

	// ErrInvalidTransaction is returned when a transaction is malformed.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidLoan is returned when a loan definition cannot be serviced.
	ErrInvalidLoan = errors.New("invalid loan")

	// ErrLoanNotFound is returned when a loan doesn't exist in the store.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError reports an event that is not valid from a status.
type InvalidTransitionError struct {
	From  LoanStatus
	Event LoanEvent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: event %s not allowed from %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InstallmentNotFoundError names the missing installment.
type InstallmentNotFoundError struct {
	Number int
}

func (e *InstallmentNotFoundError) Error() string {
	return fmt.Sprintf("installment %d not found", e.Number)
}

func (e *InstallmentNotFoundError) Unwrap() error { return ErrInstallmentNotFound }

// NegativeBalanceError provides details about a bucket that would go negative.
type NegativeBalanceError struct {
	Installment int
	Component   Component
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("negative resulting balance on installment %d %s: available %s, requested %s",
		e.Installment, e.Component, e.Available, e.Requested)
}

func (e *NegativeBalanceError) Unwrap() error { return ErrNegativeBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidChargeback) ||
		errors.Is(err, ErrInvalidCharge) ||
		errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrInvalidLoan) ||
		errors.Is(err, ErrNegativeBalance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrChargeNotFound) ||
		errors.Is(err, ErrInstallmentNotFound)
}
