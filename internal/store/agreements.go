package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"installment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const planColumns = `id, product_id, name, frequency, custom_interval_days, number_of_payments,
	annual_rate, min_down_payment_percent, payment_start_delay_days, fulfillment_timing,
	active, created_at, updated_at`

const agreementColumns = `id, agreement_number, customer_id, product_id, plan_id, quantity,
	product_name, unit_price, purchase_price, frequency, custom_interval_days, number_of_payments,
	annual_rate, fulfillment_timing, down_payment_percent, down_payment_amount, financed_amount,
	payment_amount, total_interest_amount, interest_rebate, total_amount, payments_completed,
	payments_remaining, amount_paid, amount_remaining, next_payment_date, next_payment_amount,
	status, default_count, consecutive_late_payments, order_id, shipped_at, delivered_at,
	completed_at, defaulted_at, cancelled_at, metadata, deleted, version, created_at, updated_at`

// GetPlanByID retrieves an installment plan
func (s *Store) GetPlanByID(ctx context.Context, id int64) (*models.Plan, error) {
	var plan models.Plan
	err := sqlx.GetContext(ctx, s.ext(ctx), &plan,
		"SELECT "+planColumns+" FROM installment_plans WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "plan", id)
	}
	return &plan, nil
}

// GetPlansByProductID retrieves the active plans offered for a product
func (s *Store) GetPlansByProductID(ctx context.Context, productID int64) ([]models.Plan, error) {
	var plans []models.Plan
	err := sqlx.SelectContext(ctx, s.ext(ctx), &plans,
		"SELECT "+planColumns+" FROM installment_plans WHERE product_id = $1 AND active ORDER BY number_of_payments",
		productID)
	return plans, err
}

// CreateAgreement inserts a new agreement
func (s *Store) CreateAgreement(ctx context.Context, a *models.Agreement) error {
	query := `
		INSERT INTO installment_agreements (
			agreement_number, customer_id, product_id, plan_id, quantity, product_name, unit_price,
			purchase_price, frequency, custom_interval_days, number_of_payments, annual_rate,
			fulfillment_timing, down_payment_percent, down_payment_amount, financed_amount,
			payment_amount, total_interest_amount, interest_rebate, total_amount, payments_completed,
			payments_remaining, amount_paid, amount_remaining, next_payment_date, next_payment_amount,
			status, default_count, consecutive_late_payments, metadata, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, 1)
		RETURNING id, version, created_at, updated_at`

	row := s.ext(ctx).QueryRowxContext(ctx, query,
		a.AgreementNumber, a.CustomerID, a.ProductID, a.PlanID, a.Quantity, a.ProductName, a.UnitPrice,
		a.PurchasePrice, a.Frequency, a.CustomIntervalDays, a.NumberOfPayments, a.AnnualRate,
		a.FulfillmentTiming, a.DownPaymentPercent, a.DownPaymentAmount, a.FinancedAmount,
		a.PaymentAmount, a.TotalInterestAmount, a.InterestRebate, a.TotalAmount, a.PaymentsCompleted,
		a.PaymentsRemaining, a.AmountPaid, a.AmountRemaining, a.NextPaymentDate, a.NextPaymentAmount,
		a.Status, a.DefaultCount, a.ConsecutiveLatePayments, a.Metadata)

	return row.Scan(&a.ID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
}

// GetAgreementByID retrieves an agreement without locking it
func (s *Store) GetAgreementByID(ctx context.Context, id int64) (*models.Agreement, error) {
	var a models.Agreement
	err := sqlx.GetContext(ctx, s.ext(ctx), &a,
		"SELECT "+agreementColumns+" FROM installment_agreements WHERE id = $1 AND NOT deleted", id)
	if err != nil {
		return nil, notFound(err, "agreement", id)
	}
	return &a, nil
}

// LockAgreement reads an agreement with a row lock held until the
// surrounding transaction ends. Must be called inside RunInTx.
func (s *Store) LockAgreement(ctx context.Context, id int64) (*models.Agreement, error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); !ok {
		return nil, fmt.Errorf("lock agreement %d: no transaction in context", id)
	}

	var a models.Agreement
	err := sqlx.GetContext(ctx, s.ext(ctx), &a,
		"SELECT "+agreementColumns+" FROM installment_agreements WHERE id = $1 AND NOT deleted FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "agreement", id)
	}
	return &a, nil
}

// UpdateAgreement writes every mutable column. The stored version must match
// the one that was read; it is bumped on success.
func (s *Store) UpdateAgreement(ctx context.Context, a *models.Agreement) error {
	query := `
		UPDATE installment_agreements SET
			interest_rebate = $1, total_amount = $2, payments_completed = $3, payments_remaining = $4,
			amount_paid = $5, amount_remaining = $6, next_payment_date = $7, next_payment_amount = $8,
			status = $9, default_count = $10, consecutive_late_payments = $11, order_id = $12,
			shipped_at = $13, delivered_at = $14, completed_at = $15, defaulted_at = $16,
			cancelled_at = $17, metadata = $18, version = version + 1, updated_at = NOW()
		WHERE id = $19 AND version = $20
		RETURNING version, updated_at`

	row := s.ext(ctx).QueryRowxContext(ctx, query,
		a.InterestRebate, a.TotalAmount, a.PaymentsCompleted, a.PaymentsRemaining,
		a.AmountPaid, a.AmountRemaining, a.NextPaymentDate, a.NextPaymentAmount,
		a.Status, a.DefaultCount, a.ConsecutiveLatePayments, a.OrderID,
		a.ShippedAt, a.DeliveredAt, a.CompletedAt, a.DefaultedAt,
		a.CancelledAt, a.Metadata, a.ID, a.Version)

	var version int
	var updatedAt time.Time
	if err := row.Scan(&version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("agreement %d version %d: %w", a.ID, a.Version, ErrConcurrentUpdate)
		}
		return err
	}
	a.Version = version
	a.UpdatedAt = updatedAt
	return nil
}

// LinkOrder records the fulfillment order of an agreement once
func (s *Store) LinkOrder(ctx context.Context, agreementID, orderID int64) error {
	res, err := s.ext(ctx).ExecContext(ctx,
		`UPDATE installment_agreements SET order_id = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND order_id IS NULL`,
		orderID, agreementID)
	if err != nil {
		return fmt.Errorf("failed to link order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agreement %d already linked or missing: %w", agreementID, ErrConcurrentUpdate)
	}
	return nil
}

// GetAgreementsByCustomerID lists a customer's agreements, newest first
func (s *Store) GetAgreementsByCustomerID(ctx context.Context, customerID int64) ([]models.Agreement, error) {
	var agreements []models.Agreement
	err := sqlx.SelectContext(ctx, s.ext(ctx), &agreements,
		"SELECT "+agreementColumns+" FROM installment_agreements WHERE customer_id = $1 AND NOT deleted ORDER BY created_at DESC",
		customerID)
	return agreements, err
}
