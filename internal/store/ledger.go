package store

import (
	"context"
	"fmt"

	"installment-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Ledger is a double-entry wallet ledger kept in the same database as the
// agreements, so a debit joins whatever transaction the context carries.
type Ledger struct {
	store *Store
}

// NewLedger creates a ledger on top of the store
func NewLedger(store *Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns the wallet a customer pays installments from
func (l *Ledger) GetBalance(ctx context.Context, customerID int64) (*models.Balance, error) {
	var b models.Balance
	err := sqlx.GetContext(ctx, l.store.ext(ctx), &b,
		"SELECT account_id, balance, active FROM wallet_accounts WHERE owner_id = $1", customerID)
	if err != nil {
		return nil, notFound(err, "wallet of customer", customerID)
	}
	return &b, nil
}

// Debit moves req.Amount from source to destination and returns the ledger
// transaction id shared by both entries.
func (l *Ledger) Debit(ctx context.Context, req models.DebitRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("debit amount must be positive, got %s", req.Amount)
	}

	txID := uuid.New().String()

	err := l.store.RunInTx(ctx, func(ctx context.Context) error {
		var accounts []models.Balance
		// Fixed lock order keeps two opposite transfers from deadlocking.
		err := sqlx.SelectContext(ctx, l.store.ext(ctx), &accounts,
			`SELECT account_id, balance, active FROM wallet_accounts
			 WHERE account_id IN ($1, $2) ORDER BY account_id FOR UPDATE`,
			req.SourceAccount, req.DestinationAccount)
		if err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}

		var source, destination *models.Balance
		for i := range accounts {
			switch accounts[i].AccountID {
			case req.SourceAccount:
				source = &accounts[i]
			case req.DestinationAccount:
				destination = &accounts[i]
			}
		}
		if source == nil {
			return fmt.Errorf("account %s: %w", req.SourceAccount, ErrNotFound)
		}
		if destination == nil {
			return fmt.Errorf("account %s: %w", req.DestinationAccount, ErrNotFound)
		}
		if !source.Active {
			return fmt.Errorf("account %s: %w", source.AccountID, ErrAccountInactive)
		}
		if !destination.Active {
			return fmt.Errorf("account %s: %w", destination.AccountID, ErrAccountInactive)
		}
		if source.Amount.LessThan(req.Amount) {
			return fmt.Errorf("account %s has %s, needs %s: %w", source.AccountID, source.Amount, req.Amount, ErrInsufficientFunds)
		}

		q := l.store.ext(ctx)
		if _, err := q.ExecContext(ctx,
			"UPDATE wallet_accounts SET balance = balance - $1, updated_at = NOW() WHERE account_id = $2",
			req.Amount, req.SourceAccount); err != nil {
			return fmt.Errorf("failed to debit %s: %w", req.SourceAccount, err)
		}
		if _, err := q.ExecContext(ctx,
			"UPDATE wallet_accounts SET balance = balance + $1, updated_at = NOW() WHERE account_id = $2",
			req.Amount, req.DestinationAccount); err != nil {
			return fmt.Errorf("failed to credit %s: %w", req.DestinationAccount, err)
		}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_id, account_id, direction, amount, reason, reference_id)
			VALUES ($1, $2, 'DEBIT', $3, $4, $5), ($1, $6, 'CREDIT', $3, $4, $5)`,
			txID, req.SourceAccount, req.Amount, req.Reason, req.ReferenceID, req.DestinationAccount); err != nil {
			return fmt.Errorf("failed to write ledger entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return txID, nil
}

// SharesTransaction reports that debits join the caller's transaction.
func (l *Ledger) SharesTransaction() bool {
	return true
}

// Reverse books the opposite of every entry of a ledger transaction.
func (l *Ledger) Reverse(ctx context.Context, txID, reason string) error {
	return l.store.RunInTx(ctx, func(ctx context.Context) error {
		var entries []struct {
			AccountID   string          `db:"account_id"`
			Direction   string          `db:"direction"`
			Amount      decimal.Decimal `db:"amount"`
			ReferenceID string          `db:"reference_id"`
		}
		err := sqlx.SelectContext(ctx, l.store.ext(ctx), &entries,
			"SELECT account_id, direction, amount, reference_id FROM ledger_entries WHERE transaction_id = $1 ORDER BY account_id",
			txID)
		if err != nil {
			return fmt.Errorf("failed to load ledger transaction %s: %w", txID, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("ledger transaction %s: %w", txID, ErrNotFound)
		}

		reversalID := uuid.New().String()
		q := l.store.ext(ctx)
		for _, e := range entries {
			direction, delta := "CREDIT", e.Amount
			if e.Direction == "CREDIT" {
				direction, delta = "DEBIT", e.Amount.Neg()
			}
			if _, err := q.ExecContext(ctx,
				"UPDATE wallet_accounts SET balance = balance + $1, updated_at = NOW() WHERE account_id = $2",
				delta, e.AccountID); err != nil {
				return fmt.Errorf("failed to reverse %s: %w", e.AccountID, err)
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO ledger_entries (transaction_id, account_id, direction, amount, reason, reference_id)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				reversalID, e.AccountID, direction, e.Amount, reason, e.ReferenceID); err != nil {
				return fmt.Errorf("failed to write reversal entry: %w", err)
			}
		}
		return nil
	})
}
