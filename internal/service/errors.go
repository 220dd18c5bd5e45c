package service

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NotFoundError is returned when an agreement, payment, plan or product does
// not exist or does not belong to the calling customer.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// ValidationError is returned for out-of-range input. Nothing was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError is returned when a payment or agreement is in a status
// that does not allow the requested operation.
type InvalidStateError struct {
	Entity string
	ID     int64
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %d in status %s", e.Op, e.Entity, e.ID, e.Status)
}

// NotEligibleError is returned when an agreement cannot be paid off early.
type NotEligibleError struct {
	AgreementID int64
	Reason      string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("agreement %d not eligible: %s", e.AgreementID, e.Reason)
}

// InsufficientFundsError means the customer's wallet could not cover the
// amount. The failure has already been recorded against the payment.
type InsufficientFundsError struct {
	CustomerID int64
	Required   decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for customer %d: required %s, available %s",
		e.CustomerID, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// AccountInactiveError means the customer's wallet is frozen or closed.
type AccountInactiveError struct {
	CustomerID int64
}

func (e *AccountInactiveError) Error() string {
	return fmt.Sprintf("wallet of customer %d is inactive", e.CustomerID)
}
