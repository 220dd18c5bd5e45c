package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"installment-service/internal/amortization"
	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// AgreementService is the installment engine. Every operation re-reads the
// agreement it works on and holds its row lock for the whole unit of work.
type AgreementService struct {
	repo      Repository
	ledger    Ledger
	publisher EventPublisher
	inventory Inventory
	orders    OrderClient
	policy    Policy
	now       func() time.Time
	logger    *zap.Logger
}

// NewAgreementService creates the installment engine
func NewAgreementService(
	repo Repository,
	ledger Ledger,
	publisher EventPublisher,
	inventory Inventory,
	orders OrderClient,
	policy Policy,
) *AgreementService {
	return &AgreementService{
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
		inventory: inventory,
		orders:    orders,
		policy:    policy,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CreateAgreementRequest is an accepted checkout selection
type CreateAgreementRequest struct {
	CustomerID         int64           `json:"-"`
	ProductID          int64           `json:"product_id" binding:"required"`
	PlanID             int64           `json:"plan_id" binding:"required"`
	Quantity           int             `json:"quantity" binding:"required,min=1"`
	DownPaymentPercent decimal.Decimal `json:"down_payment_percent"`
	Metadata           models.Metadata `json:"metadata,omitempty"`
}

// AgreementDetails is an agreement with its full schedule
type AgreementDetails struct {
	Agreement *models.Agreement `json:"agreement"`
	Payments  []models.Payment  `json:"payments"`
}

// Quote is the priced schedule a checkout would produce
type Quote struct {
	PlanID             int64                `json:"plan_id"`
	UnitPrice          decimal.Decimal      `json:"unit_price"`
	Quantity           int                  `json:"quantity"`
	PurchasePrice      decimal.Decimal      `json:"purchase_price"`
	DownPaymentPercent decimal.Decimal      `json:"down_payment_percent"`
	DownPaymentAmount  decimal.Decimal      `json:"down_payment_amount"`
	FinancedAmount     decimal.Decimal      `json:"financed_amount"`
	PaymentAmount      decimal.Decimal      `json:"payment_amount"`
	TotalInterest      decimal.Decimal      `json:"total_interest"`
	TotalAmount        decimal.Decimal      `json:"total_amount"`
	Schedule           []amortization.Entry `json:"schedule"`
	schedule           *amortization.Schedule
}

// effects are the side effects of a unit of work that run only after it
// has committed.
type effects struct {
	events       []models.Event
	completed    bool
	defaulted    bool
	requestOrder bool
	releaseStock bool
}

// CreateAgreement turns an accepted checkout into an agreement and its schedule
func (s *AgreementService) CreateAgreement(ctx context.Context, req *CreateAgreementRequest) (*AgreementDetails, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.CreateAgreement",
		attribute.Int64("plan.id", req.PlanID), attribute.Int64("product.id", req.ProductID))
	defer span.End()

	plan, product, err := s.loadOffer(ctx, req.PlanID, req.ProductID)
	if err != nil {
		return nil, err
	}

	acceptedAt := s.now().UTC()
	quote, err := s.buildQuote(plan, product.Price, req.Quantity, req.DownPaymentPercent, acceptedAt)
	if err != nil {
		return nil, err
	}

	// The down payment was collected at checkout and is already paid.
	agreement := &models.Agreement{
		AgreementNumber:     newAgreementNumber(acceptedAt),
		CustomerID:          req.CustomerID,
		ProductID:           product.ID,
		PlanID:              plan.ID,
		Quantity:            req.Quantity,
		ProductName:         product.Name,
		UnitPrice:           quote.UnitPrice,
		PurchasePrice:       quote.PurchasePrice,
		Frequency:           plan.Frequency,
		CustomIntervalDays:  plan.CustomIntervalDays,
		NumberOfPayments:    plan.NumberOfPayments,
		AnnualRate:          plan.AnnualRate,
		FulfillmentTiming:   plan.FulfillmentTiming,
		DownPaymentPercent:  quote.DownPaymentPercent,
		DownPaymentAmount:   quote.DownPaymentAmount,
		FinancedAmount:      quote.FinancedAmount,
		PaymentAmount:       quote.PaymentAmount,
		TotalInterestAmount: quote.TotalInterest,
		InterestRebate:      decimal.Zero,
		TotalAmount:         quote.DownPaymentAmount.Add(quote.TotalAmount),
		PaymentsCompleted:   0,
		PaymentsRemaining:   plan.NumberOfPayments,
		AmountPaid:          quote.DownPaymentAmount,
		AmountRemaining:     quote.TotalAmount,
		Status:              models.AgreementStatusPendingFirstPayment,
		Metadata:            req.Metadata,
	}

	payments := make([]models.Payment, 0, len(quote.schedule.Entries))
	for _, e := range quote.schedule.Entries {
		payments = append(payments, models.Payment{
			PaymentNumber:         e.PaymentNumber,
			ScheduledAmount:       e.ScheduledAmount,
			PrincipalPortion:      e.Principal,
			InterestPortion:       e.Interest,
			RemainingBalanceAfter: e.RemainingBalance,
			DueDate:               e.DueDate,
			Status:                models.PaymentStatusScheduled,
			PaidAmount:            decimal.Zero,
		})
	}
	setNextPayment(agreement, payments)

	reserved := false
	err = s.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateAgreement(ctx, agreement); err != nil {
			return fmt.Errorf("failed to create agreement: %w", err)
		}
		for i := range payments {
			payments[i].AgreementID = agreement.ID
		}
		if err := s.repo.CreatePayments(ctx, payments); err != nil {
			return fmt.Errorf("failed to create payments: %w", err)
		}

		switch agreement.FulfillmentTiming {
		case models.FulfillmentImmediate:
			// The order is requested once this transaction has committed.
		case models.FulfillmentAfterFirstPayment, models.FulfillmentAfterPayment:
			start := time.Now()
			ok, err := s.inventory.ReserveStock(ctx, agreement.ProductID, agreement.Quantity)
			util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				util.InventoryReservationsFailed.WithLabelValues("error").Inc()
				return fmt.Errorf("failed to reserve stock: %w", err)
			}
			if !ok {
				util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
				return &ValidationError{Field: "quantity", Reason: "insufficient stock"}
			}
			reserved = true
		default:
			return &ValidationError{Field: "plan_id", Reason: fmt.Sprintf("unknown fulfillment timing %q", string(agreement.FulfillmentTiming))}
		}

		agreement.Status = models.AgreementStatusActive
		return s.repo.UpdateAgreement(ctx, agreement)
	})
	if err != nil {
		if reserved {
			if relErr := s.inventory.AbandonReservation(context.Background(), agreement.ProductID, agreement.Quantity); relErr != nil {
				s.logger.Error("Failed to release stock after aborted agreement",
					zap.Int64("product_id", agreement.ProductID),
					zap.Error(relErr))
			}
		}
		return nil, err
	}

	util.AgreementsCreatedTotal.WithLabelValues(string(agreement.FulfillmentTiming)).Inc()
	s.logger.Info("Agreement created",
		zap.Int64("agreement_id", agreement.ID),
		zap.String("agreement_number", agreement.AgreementNumber),
		zap.Int64("customer_id", agreement.CustomerID),
		zap.String("financed_amount", agreement.FinancedAmount.String()),
		zap.String("fulfillment_timing", string(agreement.FulfillmentTiming)))

	if agreement.FulfillmentTiming == models.FulfillmentImmediate {
		if orderID, err := s.RequestOrder(ctx, agreement.ID); err != nil {
			s.logger.Error("Failed to request order for agreement",
				zap.Int64("agreement_id", agreement.ID),
				zap.Error(err))
		} else {
			agreement.OrderID = &orderID
		}
	}

	return &AgreementDetails{Agreement: agreement, Payments: payments}, nil
}

// QuoteSchedule prices a plan for a checkout without persisting anything
func (s *AgreementService) QuoteSchedule(ctx context.Context, planID int64, quantity int, downPaymentPercent decimal.Decimal) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.QuoteSchedule")
	defer span.End()

	plan, err := s.repo.GetPlanByID(ctx, planID)
	if err != nil {
		return nil, notFoundOr(err, "plan", planID)
	}
	_, product, err := s.loadOffer(ctx, plan.ID, plan.ProductID)
	if err != nil {
		return nil, err
	}
	return s.buildQuote(plan, product.Price, quantity, downPaymentPercent, s.now().UTC())
}

// ListPlans returns the active plans offered for a product
func (s *AgreementService) ListPlans(ctx context.Context, productID int64) ([]models.Plan, error) {
	if _, err := s.repo.GetProductByID(ctx, productID); err != nil {
		return nil, notFoundOr(err, "product", productID)
	}
	plans, err := s.repo.GetPlansByProductID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// GetAgreement returns one of the customer's agreements with its schedule
func (s *AgreementService) GetAgreement(ctx context.Context, customerID, agreementID int64) (*AgreementDetails, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.GetAgreement")
	defer span.End()

	agreement, err := s.repo.GetAgreementByID(ctx, agreementID)
	if err != nil {
		return nil, notFoundOr(err, "agreement", agreementID)
	}
	if agreement.CustomerID != customerID {
		return nil, &NotFoundError{Entity: "agreement", ID: agreementID}
	}

	payments, err := s.repo.ListPayments(ctx, agreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return &AgreementDetails{Agreement: agreement, Payments: payments}, nil
}

// ListAgreements returns the customer's agreements, newest first
func (s *AgreementService) ListAgreements(ctx context.Context, customerID int64) ([]models.Agreement, error) {
	agreements, err := s.repo.GetAgreementsByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	return agreements, nil
}

// CancelAgreement cancels an agreement that has not collected any scheduled
// payment yet. The down payment is refunded outside the engine.
func (s *AgreementService) CancelAgreement(ctx context.Context, customerID, agreementID int64, reason string) (*models.Agreement, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.CancelAgreement")
	defer span.End()

	var agreement *models.Agreement
	fx := &effects{}
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.lockOwned(ctx, customerID, agreementID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "cancel"}
		}

		payments, err := s.repo.ListPayments(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		for _, p := range payments {
			if p.PaidAmount.IsPositive() {
				return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "cancel after collecting payments on"}
			}
		}

		now := s.now().UTC()
		for i := range payments {
			p := &payments[i]
			p.Status = models.PaymentStatusCancelled
			p.Notes = "agreement cancelled"
			if err := s.repo.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}

		a.Status = models.AgreementStatusCancelled
		a.CancelledAt = &now
		a.NextPaymentDate = nil
		a.NextPaymentAmount = decimal.NullDecimal{}
		if a.Metadata == nil {
			a.Metadata = models.Metadata{}
		}
		if reason != "" {
			a.Metadata["cancel_reason"] = reason
		}
		if err := s.repo.UpdateAgreement(ctx, a); err != nil {
			return err
		}

		fx.releaseStock = a.FulfillmentTiming.Deferred() && a.OrderID == nil
		agreement = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.AgreementsCancelledTotal.Inc()
	s.logger.Info("Agreement cancelled",
		zap.Int64("agreement_id", agreement.ID),
		zap.String("reason", reason))

	s.flush(ctx, agreement, fx)
	return agreement, nil
}

// RecordShipment stamps the shipment of the agreement's order
func (s *AgreementService) RecordShipment(ctx context.Context, agreementID int64, at time.Time) (*models.Agreement, error) {
	return s.recordFulfillment(ctx, agreementID, "ship", func(a *models.Agreement) error {
		if a.ShippedAt == nil {
			t := at.UTC()
			a.ShippedAt = &t
		}
		return nil
	})
}

// RecordDelivery stamps the delivery of a shipped order
func (s *AgreementService) RecordDelivery(ctx context.Context, agreementID int64, at time.Time) (*models.Agreement, error) {
	return s.recordFulfillment(ctx, agreementID, "deliver", func(a *models.Agreement) error {
		if a.ShippedAt == nil {
			return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: "NOT_SHIPPED", Op: "deliver"}
		}
		if a.DeliveredAt == nil {
			t := at.UTC()
			a.DeliveredAt = &t
		}
		return nil
	})
}

func (s *AgreementService) recordFulfillment(ctx context.Context, agreementID int64, op string, apply func(a *models.Agreement) error) (*models.Agreement, error) {
	var agreement *models.Agreement
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockAgreement(ctx, agreementID)
		if err != nil {
			return notFoundOr(err, "agreement", agreementID)
		}
		if a.OrderID == nil {
			return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: "NO_ORDER", Op: op}
		}
		if err := apply(a); err != nil {
			return err
		}
		agreement = a
		return s.repo.UpdateAgreement(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return agreement, nil
}

func (s *AgreementService) loadOffer(ctx context.Context, planID, productID int64) (*models.Plan, *models.Product, error) {
	plan, err := s.repo.GetPlanByID(ctx, planID)
	if err != nil {
		return nil, nil, notFoundOr(err, "plan", planID)
	}
	if plan.ProductID != productID {
		return nil, nil, &ValidationError{Field: "plan_id", Reason: fmt.Sprintf("plan %d is not offered for product %d", planID, productID)}
	}
	if !plan.Active {
		return nil, nil, &ValidationError{Field: "plan_id", Reason: fmt.Sprintf("plan %d is not active", planID)}
	}
	if _, err := models.ParseFulfillmentTiming(string(plan.FulfillmentTiming)); err != nil {
		return nil, nil, &ValidationError{Field: "plan_id", Reason: err.Error()}
	}

	product, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return nil, nil, notFoundOr(err, "product", productID)
	}
	return plan, product, nil
}

func (s *AgreementService) buildQuote(plan *models.Plan, unitPrice decimal.Decimal, quantity int, percent decimal.Decimal, acceptedAt time.Time) (*Quote, error) {
	if quantity < 1 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	if percent.LessThan(plan.MinDownPaymentPercent) {
		return nil, &ValidationError{
			Field:  "down_payment_percent",
			Reason: fmt.Sprintf("%s is below the plan minimum of %s", percent, plan.MinDownPaymentPercent),
		}
	}
	if percent.GreaterThan(s.policy.MaxDownPaymentPercent) {
		return nil, &ValidationError{
			Field:  "down_payment_percent",
			Reason: fmt.Sprintf("%s is above the maximum of %s", percent, s.policy.MaxDownPaymentPercent),
		}
	}

	purchase := models.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
	downPayment := models.RoundMoney(purchase.Mul(percent).Div(hundred))
	financed := purchase.Sub(downPayment)
	if !financed.IsPositive() {
		return nil, &ValidationError{Field: "down_payment_percent", Reason: "nothing left to finance"}
	}

	schedule, err := amortization.Calculate(amortization.Terms{
		FinancedAmount:     financed,
		AnnualRate:         plan.AnnualRate,
		Frequency:          plan.Frequency,
		CustomIntervalDays: plan.CustomIntervalDays,
		NumberOfPayments:   plan.NumberOfPayments,
		FirstPaymentDate:   amortization.FirstPaymentDate(acceptedAt, plan.PaymentStartDelayDays),
	})
	if err != nil {
		return nil, &ValidationError{Field: "plan_id", Reason: err.Error()}
	}

	return &Quote{
		PlanID:             plan.ID,
		UnitPrice:          unitPrice,
		Quantity:           quantity,
		PurchasePrice:      purchase,
		DownPaymentPercent: percent,
		DownPaymentAmount:  downPayment,
		FinancedAmount:     financed,
		PaymentAmount:      schedule.PaymentAmount,
		TotalInterest:      schedule.TotalInterest,
		TotalAmount:        schedule.TotalAmount,
		Schedule:           schedule.Entries,
		schedule:           schedule,
	}, nil
}

// lockOwned locks an agreement and hides it from other customers.
func (s *AgreementService) lockOwned(ctx context.Context, customerID, agreementID int64) (*models.Agreement, error) {
	a, err := s.repo.LockAgreement(ctx, agreementID)
	if err != nil {
		return nil, notFoundOr(err, "agreement", agreementID)
	}
	if a.CustomerID != customerID {
		return nil, &NotFoundError{Entity: "agreement", ID: agreementID}
	}
	return a, nil
}

// flush runs the post-commit side effects. Failures are logged only: the
// committed agreement state is authoritative.
func (s *AgreementService) flush(ctx context.Context, a *models.Agreement, fx *effects) {
	now := s.now().UTC()

	if fx.completed {
		util.AgreementsCompletedTotal.Inc()
		fx.events = append(fx.events, &models.AgreementCompletedEvent{
			BaseEvent:  models.NewBaseEvent(models.EventTypeAgreementCompleted, a.ID, now),
			CustomerID: a.CustomerID,
			Agreement:  *a,
		})
		s.logger.Info("Agreement completed",
			zap.Int64("agreement_id", a.ID),
			zap.String("agreement_number", a.AgreementNumber))
	}
	if fx.defaulted {
		util.AgreementsDefaultedTotal.Inc()
		fx.events = append(fx.events, &models.AgreementDefaultedEvent{
			BaseEvent:       models.NewBaseEvent(models.EventTypeAgreementDefaulted, a.ID, now),
			CustomerID:      a.CustomerID,
			AgreementNumber: a.AgreementNumber,
			DefaultCount:    a.DefaultCount,
			AmountRemaining: a.AmountRemaining,
		})
		s.logger.Warn("Agreement defaulted",
			zap.Int64("agreement_id", a.ID),
			zap.Int("default_count", a.DefaultCount))
	}

	for _, event := range fx.events {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error("Failed to publish event",
				zap.String("event_type", event.Type()),
				zap.Int64("agreement_id", a.ID),
				zap.Error(err))
		}
	}

	if fx.releaseStock {
		if err := s.inventory.ReleaseStock(ctx, a.ProductID, a.Quantity); err != nil {
			s.logger.Error("Failed to release reserved stock",
				zap.Int64("agreement_id", a.ID),
				zap.Error(err))
		}
	}

	if fx.requestOrder {
		if orderID, err := s.RequestOrder(ctx, a.ID); err != nil {
			s.logger.Error("Failed to request order for agreement",
				zap.Int64("agreement_id", a.ID),
				zap.Error(err))
		} else {
			a.OrderID = &orderID
		}
	}
}

// setNextPayment points the cache at the first payment still owing money,
// or clears it when none is left.
func setNextPayment(a *models.Agreement, payments []models.Payment) {
	for i := range payments {
		p := &payments[i]
		if p.Status.Settled() {
			continue
		}
		due := p.DueDate
		a.NextPaymentDate = &due
		a.NextPaymentAmount = decimal.NewNullDecimal(p.RemainingNeed())
		return
	}
	a.NextPaymentDate = nil
	a.NextPaymentAmount = decimal.NullDecimal{}
}

func newAgreementNumber(at time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return fmt.Sprintf("INST-%s-%s", at.Format("20060102"), id[:10])
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
