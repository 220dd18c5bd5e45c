package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentSucceeded       = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
	EventTypeAgreementCompleted     = "AGREEMENT_COMPLETED"
	EventTypeAgreementDefaulted     = "AGREEMENT_DEFAULTED"
	EventTypeReconciliationRequired = "RECONCILIATION_REQUIRED"
)

// Scheduler command types
const (
	CommandTypeProcessPayment = "PROCESS_PAYMENT"
	CommandTypeRetryPayment   = "RETRY_PAYMENT"
)

// Event is anything the engine publishes.
type Event interface {
	Key() string
	Type() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	AgreementID int64     `json:"agreement_id"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string, agreementID int64, now time.Time) BaseEvent {
	return BaseEvent{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		Timestamp:   now,
		AgreementID: agreementID,
	}
}

// Key partitions events by agreement so consumers see them in order.
func (e BaseEvent) Key() string {
	return fmt.Sprintf("agreement-%d", e.AgreementID)
}

// Type returns the event type
func (e BaseEvent) Type() string {
	return e.EventType
}

// PaymentSucceededEvent published when money for an installment was collected
type PaymentSucceededEvent struct {
	BaseEvent
	CustomerID        int64           `json:"customer_id"`
	AgreementNumber   string          `json:"agreement_number"`
	PaymentIDs        []int64         `json:"payment_ids"`
	Amount            decimal.Decimal `json:"amount"`
	AmountRemaining   decimal.Decimal `json:"amount_remaining"`
	PaymentMethod     string          `json:"payment_method"`
	TxID              string          `json:"tx_id"`
	NextPaymentDate   *time.Time      `json:"next_payment_date,omitempty"`
	NextPaymentAmount decimal.Decimal `json:"next_payment_amount"`
}

// PaymentFailedEvent published when an installment could not be collected
type PaymentFailedEvent struct {
	BaseEvent
	CustomerID      int64           `json:"customer_id"`
	AgreementNumber string          `json:"agreement_number"`
	PaymentID       int64           `json:"payment_id"`
	Amount          decimal.Decimal `json:"amount"`
	DueDate         time.Time       `json:"due_date"`
	Status          PaymentStatus   `json:"status"`
	RetryCount      int             `json:"retry_count"`
	Reason          string          `json:"reason"`
}

// AgreementCompletedEvent carries the agreement snapshot for fulfillment
type AgreementCompletedEvent struct {
	BaseEvent
	CustomerID int64     `json:"customer_id"`
	Agreement  Agreement `json:"agreement"`
}

// AgreementDefaultedEvent published when repeated failures default an agreement
type AgreementDefaultedEvent struct {
	BaseEvent
	CustomerID      int64           `json:"customer_id"`
	AgreementNumber string          `json:"agreement_number"`
	DefaultCount    int             `json:"default_count"`
	AmountRemaining decimal.Decimal `json:"amount_remaining"`
}

// ReconciliationRequiredEvent flags a ledger movement whose bookkeeping did not commit
type ReconciliationRequiredEvent struct {
	BaseEvent
	TxID     string          `json:"tx_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
	Reversed bool            `json:"reversed"`
}

// PaymentCommand is sent by the scheduler to collect or retry an installment
type PaymentCommand struct {
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	PaymentID   int64     `json:"payment_id"`
	IssuedAt    time.Time `json:"issued_at"`
}
