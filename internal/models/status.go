package models

import "fmt"

// Frequency is how often an installment falls due.
type Frequency string

const (
	FrequencyDaily       Frequency = "DAILY"
	FrequencyWeekly      Frequency = "WEEKLY"
	FrequencyBiWeekly    Frequency = "BI_WEEKLY"
	FrequencySemiMonthly Frequency = "SEMI_MONTHLY"
	FrequencyMonthly     Frequency = "MONTHLY"
	FrequencyQuarterly   Frequency = "QUARTERLY"
	FrequencyCustom      Frequency = "CUSTOM"
)

// ParseFrequency rejects anything outside the closed set.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(s); f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiWeekly, FrequencySemiMonthly,
		FrequencyMonthly, FrequencyQuarterly, FrequencyCustom:
		return f, nil
	default:
		return "", fmt.Errorf("unknown payment frequency %q", s)
	}
}

// FulfillmentTiming governs when goods ship relative to payment.
type FulfillmentTiming string

const (
	FulfillmentImmediate         FulfillmentTiming = "IMMEDIATE"
	FulfillmentAfterFirstPayment FulfillmentTiming = "AFTER_FIRST_PAYMENT"
	FulfillmentAfterPayment      FulfillmentTiming = "AFTER_PAYMENT"
)

// ParseFulfillmentTiming rejects anything outside the closed set.
func ParseFulfillmentTiming(s string) (FulfillmentTiming, error) {
	switch t := FulfillmentTiming(s); t {
	case FulfillmentImmediate, FulfillmentAfterFirstPayment, FulfillmentAfterPayment:
		return t, nil
	default:
		return "", fmt.Errorf("unknown fulfillment timing %q", s)
	}
}

// Deferred reports whether shipping waits on scheduled payments.
func (t FulfillmentTiming) Deferred() bool {
	return t == FulfillmentAfterFirstPayment || t == FulfillmentAfterPayment
}

// AgreementStatus is the lifecycle state of an agreement.
type AgreementStatus string

const (
	AgreementStatusPendingFirstPayment AgreementStatus = "PENDING_FIRST_PAYMENT"
	AgreementStatusActive              AgreementStatus = "ACTIVE"
	AgreementStatusCompleted           AgreementStatus = "COMPLETED"
	AgreementStatusDefaulted           AgreementStatus = "DEFAULTED"
	AgreementStatusCancelled           AgreementStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed. Unknown
// statuses are terminal.
func (s AgreementStatus) Terminal() bool {
	switch s {
	case AgreementStatusPendingFirstPayment, AgreementStatusActive:
		return false
	default:
		return true
	}
}

// PaymentStatus is the lifecycle state of a single installment.
type PaymentStatus string

const (
	PaymentStatusScheduled     PaymentStatus = "SCHEDULED"
	PaymentStatusProcessing    PaymentStatus = "PROCESSING"
	PaymentStatusCompleted     PaymentStatus = "COMPLETED"
	PaymentStatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentStatusLate          PaymentStatus = "LATE"
	PaymentStatusFailed        PaymentStatus = "FAILED"
	PaymentStatusSkipped       PaymentStatus = "SKIPPED"
	PaymentStatusCancelled     PaymentStatus = "CANCELLED"
)

// Settled reports whether the payment no longer owes anything.
func (s PaymentStatus) Settled() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// Schedulable reports whether the scheduler may attempt collection. FAILED
// additionally needs retries left, which the caller checks.
func (s PaymentStatus) Schedulable() bool {
	switch s {
	case PaymentStatusScheduled, PaymentStatusLate, PaymentStatusFailed, PaymentStatusPartiallyPaid:
		return true
	default:
		return false
	}
}
