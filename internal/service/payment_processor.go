package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"installment-service/config"
	"installment-service/internal/models"
	"installment-service/internal/store"
	"installment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentResult describes money collected against an agreement
type PaymentResult struct {
	Agreement     *models.Agreement `json:"agreement"`
	Payments      []models.Payment  `json:"payments"`
	Amount        decimal.Decimal   `json:"amount"`
	TransactionID string            `json:"transaction_id"`
	Completed     bool              `json:"completed"`
}

// ProcessPayment collects one scheduled installment from the customer's wallet
func (s *AgreementService) ProcessPayment(ctx context.Context, paymentID int64) (result *PaymentResult, err error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.ProcessPayment", attribute.Int64("payment.id", paymentID))
	defer func() { util.EndSpan(span, err) }()

	return s.collect(ctx, paymentID, false)
}

// RetryPayment collects a FAILED or LATE installment that has retries left
func (s *AgreementService) RetryPayment(ctx context.Context, paymentID int64) (result *PaymentResult, err error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.RetryPayment", attribute.Int64("payment.id", paymentID))
	defer func() { util.EndSpan(span, err) }()

	return s.collect(ctx, paymentID, true)
}

func (s *AgreementService) collect(ctx context.Context, paymentID int64, retry bool) (*PaymentResult, error) {
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()
	util.PaymentAttemptsTotal.Inc()

	found, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, notFoundOr(err, "payment", paymentID)
	}

	var (
		result    *PaymentResult
		agreement *models.Agreement
		fundsErr  error
		txID      string
		need      decimal.Decimal
	)
	fx := &effects{}

	err = s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockAgreement(ctx, found.AgreementID)
		if err != nil {
			return notFoundOr(err, "agreement", found.AgreementID)
		}
		agreement = a

		// Re-read under the agreement lock; a concurrent flexible payment
		// may have settled it.
		p, err := s.repo.GetPaymentByID(ctx, paymentID)
		if err != nil {
			return notFoundOr(err, "payment", paymentID)
		}
		if err := s.checkCollectable(a, p, retry); err != nil {
			return err
		}

		need = p.RemainingNeed()
		balance, err := s.ledger.GetBalance(ctx, a.CustomerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fundsErr = &AccountInactiveError{CustomerID: a.CustomerID}
			return s.recordFailure(ctx, a, p, reasonNoWallet, fx)
		case err != nil:
			return fmt.Errorf("failed to get balance: %w", err)
		case !balance.Active:
			fundsErr = &AccountInactiveError{CustomerID: a.CustomerID}
			return s.recordFailure(ctx, a, p, reasonAccountInactive, fx)
		case balance.Amount.LessThan(need):
			fundsErr = &InsufficientFundsError{CustomerID: a.CustomerID, Required: need, Available: balance.Amount}
			return s.recordFailure(ctx, a, p, reasonInsufficientFunds, fx)
		}

		p.Status = models.PaymentStatusProcessing
		if err := s.repo.UpdatePayment(ctx, p); err != nil {
			return err
		}

		txID, err = s.ledger.Debit(ctx, models.DebitRequest{
			SourceAccount:      balance.AccountID,
			DestinationAccount: s.policy.PlatformAccountID,
			Amount:             need,
			Reason:             fmt.Sprintf("installment %d of %s", p.PaymentNumber, a.AgreementNumber),
			ReferenceID:        fmt.Sprintf("payment-%d", p.ID),
		})
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			fundsErr = &InsufficientFundsError{CustomerID: a.CustomerID, Required: need, Available: balance.Amount}
			return s.recordFailure(ctx, a, p, reasonInsufficientFunds, fx)
		case errors.Is(err, store.ErrAccountInactive):
			fundsErr = &AccountInactiveError{CustomerID: a.CustomerID}
			return s.recordFailure(ctx, a, p, reasonAccountInactive, fx)
		case err != nil:
			return fmt.Errorf("failed to debit wallet: %w", err)
		}

		now := s.now().UTC()
		settle(p, need, models.PaymentMethodWallet, txID, now)
		if err := s.repo.UpdatePayment(ctx, p); err != nil {
			return err
		}

		a.PaymentsCompleted++
		a.PaymentsRemaining--
		a.AmountPaid = a.AmountPaid.Add(need)
		a.AmountRemaining = a.AmountRemaining.Sub(need)
		a.ConsecutiveLatePayments = 0

		payments, err := s.repo.ListPayments(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		setNextPayment(a, payments)

		if a.PaymentsRemaining == 0 {
			s.markCompleted(a, now, fx)
		}
		if err := s.repo.UpdateAgreement(ctx, a); err != nil {
			return err
		}

		fx.requestOrder = a.FulfillmentTiming == models.FulfillmentAfterFirstPayment && a.OrderID == nil
		fx.events = append(fx.events, paymentSucceeded(a, []int64{p.ID}, need, models.PaymentMethodWallet, txID, now))
		result = &PaymentResult{
			Agreement:     a,
			Payments:      []models.Payment{*p},
			Amount:        need,
			TransactionID: txID,
			Completed:     fx.completed,
		}
		return nil
	})
	if err != nil {
		if txID != "" {
			s.reconcile(ctx, found.AgreementID, txID, need, err)
		}
		util.PaymentFailedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	s.flush(ctx, agreement, fx)

	logger := util.LoggerFromContext(ctx)
	if fundsErr != nil {
		logger.Warn("Payment collection failed",
			zap.Int64("payment_id", paymentID),
			zap.Int64("agreement_id", agreement.ID),
			zap.Error(fundsErr))
		return nil, fundsErr
	}

	util.PaymentSuccessTotal.WithLabelValues(models.PaymentMethodWallet).Inc()
	logger.Info("Payment collected",
		zap.Int64("payment_id", paymentID),
		zap.Int64("agreement_id", agreement.ID),
		zap.String("amount", need.String()),
		zap.String("tx_id", txID))

	return result, nil
}

func (s *AgreementService) checkCollectable(a *models.Agreement, p *models.Payment, retry bool) error {
	op := "process"
	eligible := p.Status.Schedulable()
	if retry {
		op = "retry"
		eligible = p.Status == models.PaymentStatusFailed || p.Status == models.PaymentStatusLate
	}
	if p.Status == models.PaymentStatusFailed && p.RetryCount >= s.policy.MaxPaymentRetries {
		eligible = false
	}
	if !eligible {
		return &InvalidStateError{Entity: "payment", ID: p.ID, Status: string(p.Status), Op: op}
	}
	if a.Status != models.AgreementStatusActive {
		return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: op + " payments of"}
	}
	return nil
}

// reconcile handles a debit that went through while the bookkeeping around it
// rolled back. A ledger sharing the transaction was rolled back with it.
func (s *AgreementService) reconcile(ctx context.Context, agreementID int64, txID string, amount decimal.Decimal, cause error) {
	if tl, ok := s.ledger.(txLedger); ok && tl.SharesTransaction() {
		return
	}

	util.LedgerReconciliationRequired.Inc()
	logger := util.LoggerFromContext(ctx)
	logger.Error("Ledger debit committed but bookkeeping failed",
		zap.Int64("agreement_id", agreementID),
		zap.String("tx_id", txID),
		zap.String("amount", amount.String()),
		zap.Error(cause))

	reversed := false
	if s.policy.LedgerCommitFailurePolicy == config.LedgerPolicyReverse {
		if r, ok := s.ledger.(Reverser); ok {
			if err := r.Reverse(ctx, txID, "bookkeeping rollback"); err != nil {
				logger.Error("Failed to reverse ledger debit",
					zap.String("tx_id", txID),
					zap.Error(err))
			} else {
				reversed = true
			}
		}
	}

	event := &models.ReconciliationRequiredEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeReconciliationRequired, agreementID, s.now().UTC()),
		TxID:      txID,
		Amount:    amount,
		Reason:    cause.Error(),
		Reversed:  reversed,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Error("Failed to publish reconciliation event",
			zap.String("tx_id", txID),
			zap.Error(err))
	}
}

// settle marks a payment fully paid by amount.
func settle(p *models.Payment, amount decimal.Decimal, method, txID string, at time.Time) {
	p.PaidAmount = p.PaidAmount.Add(amount)
	p.PaidAt = &at
	p.PaymentMethod = method
	p.TransactionRef = txID
	p.Status = models.PaymentStatusCompleted
}

func paymentSucceeded(a *models.Agreement, paymentIDs []int64, amount decimal.Decimal, method, txID string, now time.Time) *models.PaymentSucceededEvent {
	return &models.PaymentSucceededEvent{
		BaseEvent:         models.NewBaseEvent(models.EventTypePaymentSucceeded, a.ID, now),
		CustomerID:        a.CustomerID,
		AgreementNumber:   a.AgreementNumber,
		PaymentIDs:        paymentIDs,
		Amount:            amount,
		AmountRemaining:   a.AmountRemaining,
		PaymentMethod:     method,
		TxID:              txID,
		NextPaymentDate:   a.NextPaymentDate,
		NextPaymentAmount: a.NextPaymentAmount.Decimal,
	}
}
