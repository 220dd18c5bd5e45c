package service

import (
	"context"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// markCompleted moves a fully paid agreement to COMPLETED. It is a no-op on
// an agreement that already carries a completion timestamp, so every payment
// path may call it.
func (s *AgreementService) markCompleted(a *models.Agreement, now time.Time, fx *effects) bool {
	if a.Status == models.AgreementStatusCompleted && a.CompletedAt != nil {
		return false
	}

	a.Status = models.AgreementStatusCompleted
	a.CompletedAt = &now
	a.NextPaymentDate = nil
	a.NextPaymentAmount = decimal.NullDecimal{}

	fx.completed = true
	return true
}

// CompleteAgreement runs the completion trigger on an agreement with nothing
// left to collect. Repeated calls change nothing and emit nothing.
func (s *AgreementService) CompleteAgreement(ctx context.Context, agreementID int64) (*models.Agreement, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.CompleteAgreement", attribute.Int64("agreement.id", agreementID))
	defer span.End()

	var agreement *models.Agreement
	fx := &effects{}
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockAgreement(ctx, agreementID)
		if err != nil {
			return notFoundOr(err, "agreement", agreementID)
		}
		agreement = a

		switch a.Status {
		case models.AgreementStatusCompleted:
		case models.AgreementStatusActive:
			if a.PaymentsRemaining > 0 {
				return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "complete unpaid"}
			}
		default:
			return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "complete"}
		}

		if !s.markCompleted(a, s.now().UTC(), fx) {
			return nil
		}
		return s.repo.UpdateAgreement(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, agreement, fx)
	return agreement, nil
}
