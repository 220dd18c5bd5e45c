package service

import (
	"context"
	"errors"
	"fmt"

	"installment-service/config"
	"installment-service/internal/models"
	"installment-service/internal/store"

	"github.com/shopspring/decimal"
)

// Repository is the persistence the engine runs on. *store.Store implements it.
type Repository interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetPlanByID(ctx context.Context, id int64) (*models.Plan, error)
	GetPlansByProductID(ctx context.Context, productID int64) ([]models.Plan, error)

	CreateAgreement(ctx context.Context, a *models.Agreement) error
	GetAgreementByID(ctx context.Context, id int64) (*models.Agreement, error)
	LockAgreement(ctx context.Context, id int64) (*models.Agreement, error)
	UpdateAgreement(ctx context.Context, a *models.Agreement) error
	LinkOrder(ctx context.Context, agreementID, orderID int64) error
	GetAgreementsByCustomerID(ctx context.Context, customerID int64) ([]models.Agreement, error)

	CreatePayments(ctx context.Context, payments []models.Payment) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	ListPayments(ctx context.Context, agreementID int64) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Ledger moves customer money. *store.Ledger implements it.
type Ledger interface {
	GetBalance(ctx context.Context, customerID int64) (*models.Balance, error)
	Debit(ctx context.Context, req models.DebitRequest) (string, error)
}

// Reverser is implemented by ledgers that can undo a debit.
type Reverser interface {
	Reverse(ctx context.Context, txID, reason string) error
}

// txLedger is implemented by ledgers that write through the repository's
// transaction, in which case a failed commit also undoes the debit.
type txLedger interface {
	SharesTransaction() bool
}

// EventPublisher is the outbound channel for engine events.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// OrderClient asks the order service to ship an agreement.
type OrderClient interface {
	CreateOrderForAgreement(ctx context.Context, agreement *models.Agreement) (int64, error)
}

// Inventory holds stock for agreements that ship later.
type Inventory interface {
	ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	CommitStock(ctx context.Context, productID int64, quantity int) error
	// AbandonReservation undoes a reservation whose transaction rolled back.
	// The database half is already gone with the rollback.
	AbandonReservation(ctx context.Context, productID int64, quantity int) error
}

// Policy holds the tunable rules of the engine.
type Policy struct {
	MaxDownPaymentPercent     decimal.Decimal
	DefaultThreshold          int
	MaxPaymentRetries         int
	FlexibleMinPercentCurrent decimal.Decimal
	FlexibleMinPercentGrace   decimal.Decimal
	FlexibleGraceDays         int
	PlatformAccountID         string
	LedgerCommitFailurePolicy string
}

// PolicyFromConfig converts the installment section of the service config.
func PolicyFromConfig(cfg config.InstallmentConfig) Policy {
	return Policy{
		MaxDownPaymentPercent:     decimal.NewFromInt(int64(cfg.MaxDownPaymentPercent)),
		DefaultThreshold:          cfg.DefaultThreshold,
		MaxPaymentRetries:         cfg.MaxPaymentRetries,
		FlexibleMinPercentCurrent: decimal.NewFromInt(int64(cfg.FlexibleMinPercentCurrent)),
		FlexibleMinPercentGrace:   decimal.NewFromInt(int64(cfg.FlexibleMinPercentGrace)),
		FlexibleGraceDays:         cfg.FlexibleGraceDays,
		PlatformAccountID:         cfg.PlatformAccountID,
		LedgerCommitFailurePolicy: cfg.LedgerCommitFailurePolicy,
	}
}

// DefaultPolicy matches the defaults of config.Load.
func DefaultPolicy() Policy {
	return Policy{
		MaxDownPaymentPercent:     decimal.NewFromInt(90),
		DefaultThreshold:          2,
		MaxPaymentRetries:         5,
		FlexibleMinPercentCurrent: decimal.NewFromInt(10),
		FlexibleMinPercentGrace:   decimal.NewFromInt(50),
		FlexibleGraceDays:         7,
		PlatformAccountID:         "platform-installments",
		LedgerCommitFailurePolicy: config.LedgerPolicyManual,
	}
}

func notFoundOr(err error, entity string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("failed to load %s %d: %w", entity, id, err)
}
