package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept on every monetary amount.
const MoneyScale = 2

// RoundMoney rounds an amount to currency precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// Product represents a product in the catalog
type Product struct {
	ID        int64           `db:"id" json:"id"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Inventory represents product stock
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Plan is an installment plan template attached to a product.
type Plan struct {
	ID                    int64             `db:"id" json:"id"`
	ProductID             int64             `db:"product_id" json:"product_id"`
	Name                  string            `db:"name" json:"name"`
	Frequency             Frequency         `db:"frequency" json:"frequency"`
	CustomIntervalDays    int               `db:"custom_interval_days" json:"custom_interval_days,omitempty"`
	NumberOfPayments      int               `db:"number_of_payments" json:"number_of_payments"`
	AnnualRate            decimal.Decimal   `db:"annual_rate" json:"annual_rate"`
	MinDownPaymentPercent decimal.Decimal   `db:"min_down_payment_percent" json:"min_down_payment_percent"`
	PaymentStartDelayDays int               `db:"payment_start_delay_days" json:"payment_start_delay_days"`
	FulfillmentTiming     FulfillmentTiming `db:"fulfillment_timing" json:"fulfillment_timing"`
	Active                bool              `db:"active" json:"active"`
	CreatedAt             time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time         `db:"updated_at" json:"updated_at"`
}

// Agreement is one customer's accepted installment purchase. Plan terms and
// pricing are snapshotted at acceptance and never re-read from the plan.
type Agreement struct {
	ID              int64  `db:"id" json:"id"`
	AgreementNumber string `db:"agreement_number" json:"agreement_number"`
	CustomerID      int64  `db:"customer_id" json:"customer_id"`
	ProductID       int64  `db:"product_id" json:"product_id"`
	PlanID          int64  `db:"plan_id" json:"plan_id"`
	Quantity        int    `db:"quantity" json:"quantity"`

	ProductName        string            `db:"product_name" json:"product_name"`
	UnitPrice          decimal.Decimal   `db:"unit_price" json:"unit_price"`
	PurchasePrice      decimal.Decimal   `db:"purchase_price" json:"purchase_price"`
	Frequency          Frequency         `db:"frequency" json:"frequency"`
	CustomIntervalDays int               `db:"custom_interval_days" json:"custom_interval_days,omitempty"`
	NumberOfPayments   int               `db:"number_of_payments" json:"number_of_payments"`
	AnnualRate         decimal.Decimal   `db:"annual_rate" json:"annual_rate"`
	FulfillmentTiming  FulfillmentTiming `db:"fulfillment_timing" json:"fulfillment_timing"`

	DownPaymentPercent  decimal.Decimal `db:"down_payment_percent" json:"down_payment_percent"`
	DownPaymentAmount   decimal.Decimal `db:"down_payment_amount" json:"down_payment_amount"`
	FinancedAmount      decimal.Decimal `db:"financed_amount" json:"financed_amount"`
	PaymentAmount       decimal.Decimal `db:"payment_amount" json:"payment_amount"`
	TotalInterestAmount decimal.Decimal `db:"total_interest_amount" json:"total_interest_amount"`
	InterestRebate      decimal.Decimal `db:"interest_rebate" json:"interest_rebate"`
	TotalAmount         decimal.Decimal `db:"total_amount" json:"total_amount"`

	PaymentsCompleted int             `db:"payments_completed" json:"payments_completed"`
	PaymentsRemaining int             `db:"payments_remaining" json:"payments_remaining"`
	AmountPaid        decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	AmountRemaining   decimal.Decimal `db:"amount_remaining" json:"amount_remaining"`

	NextPaymentDate   *time.Time          `db:"next_payment_date" json:"next_payment_date,omitempty"`
	NextPaymentAmount decimal.NullDecimal `db:"next_payment_amount" json:"next_payment_amount"`

	Status                  AgreementStatus `db:"status" json:"status"`
	DefaultCount            int             `db:"default_count" json:"default_count"`
	ConsecutiveLatePayments int             `db:"consecutive_late_payments" json:"consecutive_late_payments"`

	OrderID     *int64     `db:"order_id" json:"order_id,omitempty"`
	ShippedAt   *time.Time `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DefaultedAt *time.Time `db:"defaulted_at" json:"defaulted_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	Deleted   bool      `db:"deleted" json:"-"`
	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RollupsBalanced reports whether the count and amount rollups reconcile.
func (a *Agreement) RollupsBalanced() bool {
	return a.PaymentsCompleted+a.PaymentsRemaining == a.NumberOfPayments &&
		a.AmountPaid.Add(a.AmountRemaining).Equal(a.TotalAmount)
}

// Payment is one scheduled period of an agreement.
type Payment struct {
	ID                    int64           `db:"id" json:"id"`
	AgreementID           int64           `db:"agreement_id" json:"agreement_id"`
	PaymentNumber         int             `db:"payment_number" json:"payment_number"`
	ScheduledAmount       decimal.Decimal `db:"scheduled_amount" json:"scheduled_amount"`
	PrincipalPortion      decimal.Decimal `db:"principal_portion" json:"principal_portion"`
	InterestPortion       decimal.Decimal `db:"interest_portion" json:"interest_portion"`
	RemainingBalanceAfter decimal.Decimal `db:"remaining_balance_after" json:"remaining_balance_after"`
	DueDate               time.Time       `db:"due_date" json:"due_date"`
	Status                PaymentStatus   `db:"status" json:"status"`
	PaidAmount            decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	PaidAt                *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	PaymentMethod         string          `db:"payment_method" json:"payment_method,omitempty"`
	TransactionRef        string          `db:"transaction_ref" json:"transaction_ref,omitempty"`
	FailureReason         string          `db:"failure_reason" json:"failure_reason,omitempty"`
	RetryCount            int             `db:"retry_count" json:"retry_count"`
	Notes                 string          `db:"notes" json:"notes,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// RemainingNeed is what still has to be paid to settle the payment.
func (p *Payment) RemainingNeed() decimal.Decimal {
	need := p.ScheduledAmount.Sub(p.PaidAmount)
	if need.IsNegative() {
		return decimal.Zero
	}
	return need
}

// Payment methods recorded on settled payments.
const (
	PaymentMethodWallet      = "WALLET"
	PaymentMethodFlexible    = "FLEXIBLE"
	PaymentMethodEarlyPayoff = "EARLY_PAYOFF"
)

// Metadata is free-form key-value data stored as JSONB.
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	*m = out
	return nil
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Balance is a customer's funding source as seen by the ledger.
type Balance struct {
	AccountID string          `db:"account_id" json:"account_id"`
	Amount    decimal.Decimal `db:"balance" json:"balance"`
	Active    bool            `db:"active" json:"active"`
}

// DebitRequest moves money between two ledger accounts.
type DebitRequest struct {
	SourceAccount      string
	DestinationAccount string
	Amount             decimal.Decimal
	Reason             string
	ReferenceID        string
}
