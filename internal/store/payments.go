package store

import (
	"context"
	"fmt"

	"installment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const paymentColumns = `id, agreement_id, payment_number, scheduled_amount, principal_portion,
	interest_portion, remaining_balance_after, due_date, status, paid_amount, paid_at,
	payment_method, transaction_ref, failure_reason, retry_count, notes, created_at, updated_at`

// CreatePayments inserts the whole schedule of an agreement and fills in the
// generated ids.
func (s *Store) CreatePayments(ctx context.Context, payments []models.Payment) error {
	query := `
		INSERT INTO installment_payments (
			agreement_id, payment_number, scheduled_amount, principal_portion, interest_portion,
			remaining_balance_after, due_date, status, paid_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	for i := range payments {
		p := &payments[i]
		row := s.ext(ctx).QueryRowxContext(ctx, query,
			p.AgreementID, p.PaymentNumber, p.ScheduledAmount, p.PrincipalPortion, p.InterestPortion,
			p.RemainingBalanceAfter, p.DueDate, p.Status, p.PaidAmount)
		if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to create payment %d: %w", p.PaymentNumber, err)
		}
	}
	return nil
}

// GetPaymentByID retrieves a single installment
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var p models.Payment
	err := sqlx.GetContext(ctx, s.ext(ctx), &p,
		"SELECT "+paymentColumns+" FROM installment_payments WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

// ListPayments returns an agreement's schedule in payment-number order
func (s *Store) ListPayments(ctx context.Context, agreementID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := sqlx.SelectContext(ctx, s.ext(ctx), &payments,
		"SELECT "+paymentColumns+" FROM installment_payments WHERE agreement_id = $1 ORDER BY payment_number",
		agreementID)
	return payments, err
}

// UpdatePayment writes the mutable columns of an installment
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE installment_payments SET
			status = $1, paid_amount = $2, paid_at = $3, payment_method = $4, transaction_ref = $5,
			failure_reason = $6, retry_count = $7, notes = $8, updated_at = NOW()
		WHERE id = $9`,
		p.Status, p.PaidAmount, p.PaidAt, p.PaymentMethod, p.TransactionRef,
		p.FailureReason, p.RetryCount, p.Notes, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %d: %w", p.ID, ErrNotFound)
	}
	return nil
}
