package service

import (
	"context"
	"errors"
	"fmt"

	"installment-service/internal/models"
	"installment-service/internal/store"
	"installment-service/internal/util"

	"go.uber.org/zap"
)

// RequestOrder asks the order service to ship an agreement and links the
// order. An agreement that already has an order is returned as is.
func (s *AgreementService) RequestOrder(ctx context.Context, agreementID int64) (int64, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.RequestOrder")
	defer span.End()

	a, err := s.repo.GetAgreementByID(ctx, agreementID)
	if err != nil {
		return 0, notFoundOr(err, "agreement", agreementID)
	}
	if a.OrderID != nil {
		return *a.OrderID, nil
	}
	switch a.Status {
	case models.AgreementStatusDefaulted, models.AgreementStatusCancelled:
		return 0, &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "ship"}
	}

	orderID, err := s.orders.CreateOrderForAgreement(ctx, a)
	if err != nil {
		util.FulfillmentOrdersFailed.Inc()
		return 0, fmt.Errorf("failed to create order: %w", err)
	}

	if err := s.repo.LinkOrder(ctx, a.ID, orderID); err != nil {
		if !errors.Is(err, store.ErrConcurrentUpdate) {
			return 0, fmt.Errorf("failed to link order: %w", err)
		}
		// Linked by a concurrent request; the order service deduplicates on
		// the agreement number so both got the same order, and the winner
		// settled the reservation.
		linked, err := s.repo.GetAgreementByID(ctx, a.ID)
		if err != nil {
			return 0, notFoundOr(err, "agreement", a.ID)
		}
		if linked.OrderID != nil {
			orderID = *linked.OrderID
		}
		return orderID, nil
	}

	// Stock held since creation leaves inventory with the order.
	if a.FulfillmentTiming.Deferred() {
		if err := s.inventory.CommitStock(ctx, a.ProductID, a.Quantity); err != nil {
			s.logger.Error("Failed to commit reserved stock",
				zap.Int64("agreement_id", a.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("Order linked to agreement",
		zap.Int64("agreement_id", a.ID),
		zap.Int64("order_id", orderID),
		zap.String("fulfillment_timing", string(a.FulfillmentTiming)))
	return orderID, nil
}

// HandleAgreementCompleted ships agreements whose goods wait on full payment.
// It is driven by the AGREEMENT_COMPLETED event and is safe to redeliver.
func (s *AgreementService) HandleAgreementCompleted(ctx context.Context, event *models.AgreementCompletedEvent) error {
	ctx, span := util.StartSpan(ctx, "AgreementService.HandleAgreementCompleted")
	defer span.End()

	processed, err := s.repo.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if processed {
		s.logger.Info("Event already processed, skipping", zap.String("event_id", event.EventID))
		return nil
	}

	switch event.Agreement.FulfillmentTiming {
	case models.FulfillmentAfterPayment, models.FulfillmentAfterFirstPayment:
		if _, err := s.RequestOrder(ctx, event.AgreementID); err != nil {
			return err
		}
	case models.FulfillmentImmediate:
		// Shipped at creation.
	default:
		return fmt.Errorf("agreement %d has unknown fulfillment timing %q", event.AgreementID, string(event.Agreement.FulfillmentTiming))
	}

	return s.repo.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
