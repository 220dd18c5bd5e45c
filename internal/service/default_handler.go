package service

import (
	"context"
	"fmt"

	"installment-service/internal/models"
	"installment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Failure reasons recorded by the engine itself.
const (
	reasonInsufficientFunds = "insufficient funds"
	reasonAccountInactive   = "account inactive"
	reasonNoWallet          = "no wallet account"
)

// RecordPaymentFailure records a miss reported by the scheduler, for example
// a collection attempt that failed outside the wallet.
func (s *AgreementService) RecordPaymentFailure(ctx context.Context, paymentID int64, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.RecordPaymentFailure", attribute.Int64("payment.id", paymentID))
	defer span.End()

	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "must not be empty"}
	}

	found, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, notFoundOr(err, "payment", paymentID)
	}

	var (
		payment   *models.Payment
		agreement *models.Agreement
	)
	fx := &effects{}
	err = s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockAgreement(ctx, found.AgreementID)
		if err != nil {
			return notFoundOr(err, "agreement", found.AgreementID)
		}
		p, err := s.repo.GetPaymentByID(ctx, paymentID)
		if err != nil {
			return notFoundOr(err, "payment", paymentID)
		}
		if !p.Status.Schedulable() {
			return &InvalidStateError{Entity: "payment", ID: p.ID, Status: string(p.Status), Op: "record a failure on"}
		}
		if a.Status != models.AgreementStatusActive {
			return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "record a failure on"}
		}

		if err := s.recordFailure(ctx, a, p, reason, fx); err != nil {
			return err
		}
		payment, agreement = p, a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, agreement, fx)
	return payment, nil
}

// recordFailure books a missed collection on the payment and escalates the
// agreement toward DEFAULTED. It runs inside the caller's transaction; the
// caller holds the agreement lock.
func (s *AgreementService) recordFailure(ctx context.Context, a *models.Agreement, p *models.Payment, reason string, fx *effects) error {
	now := s.now().UTC()

	p.RetryCount++
	p.FailureReason = reason
	switch {
	case p.RetryCount >= s.policy.MaxPaymentRetries:
		p.Status = models.PaymentStatusSkipped
	case startOfDay(now).After(startOfDay(p.DueDate)):
		p.Status = models.PaymentStatusLate
	default:
		p.Status = models.PaymentStatusFailed
	}
	if err := s.repo.UpdatePayment(ctx, p); err != nil {
		return fmt.Errorf("failed to record payment failure: %w", err)
	}

	a.DefaultCount++
	a.ConsecutiveLatePayments++
	if a.Status == models.AgreementStatusActive && a.DefaultCount >= s.policy.DefaultThreshold {
		a.Status = models.AgreementStatusDefaulted
		a.DefaultedAt = &now
		fx.defaulted = true
		fx.releaseStock = a.FulfillmentTiming.Deferred() && a.OrderID == nil
	}

	payments, err := s.repo.ListPayments(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("failed to list payments: %w", err)
	}
	setNextPayment(a, payments)

	if err := s.repo.UpdateAgreement(ctx, a); err != nil {
		return err
	}

	util.PaymentFailedTotal.WithLabelValues(failureLabel(reason)).Inc()
	s.logger.Warn("Payment failure recorded",
		zap.Int64("payment_id", p.ID),
		zap.Int64("agreement_id", a.ID),
		zap.String("status", string(p.Status)),
		zap.Int("retry_count", p.RetryCount),
		zap.Int("default_count", a.DefaultCount),
		zap.String("reason", reason))

	fx.events = append(fx.events, &models.PaymentFailedEvent{
		BaseEvent:       models.NewBaseEvent(models.EventTypePaymentFailed, a.ID, now),
		CustomerID:      a.CustomerID,
		AgreementNumber: a.AgreementNumber,
		PaymentID:       p.ID,
		Amount:          p.RemainingNeed(),
		DueDate:         p.DueDate,
		Status:          p.Status,
		RetryCount:      p.RetryCount,
		Reason:          reason,
	})
	return nil
}

// failureLabel keeps the metric label set bounded.
func failureLabel(reason string) string {
	switch reason {
	case reasonInsufficientFunds, reasonAccountInactive, reasonNoWallet:
		return reason
	default:
		return "reported"
	}
}
