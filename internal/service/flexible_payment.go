package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/store"
	"installment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var minimumMoney = decimal.New(1, -models.MoneyScale)

// Allocation is the share of a flexible amount one payment receives
type Allocation struct {
	PaymentID     int64                `json:"payment_id"`
	PaymentNumber int                  `json:"payment_number"`
	Applied       decimal.Decimal      `json:"applied"`
	PaidAfter     decimal.Decimal      `json:"paid_after"`
	StatusAfter   models.PaymentStatus `json:"status_after"`
}

// FlexiblePaymentPreview is the outcome a flexible amount would have
type FlexiblePaymentPreview struct {
	Valid           bool            `json:"valid"`
	Reason          string          `json:"reason,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Minimum         decimal.Decimal `json:"minimum"`
	Maximum         decimal.Decimal `json:"maximum"`
	Allocations     []Allocation    `json:"allocations"`
	PaymentsSettled int             `json:"payments_settled"`
	RemainingAfter  decimal.Decimal `json:"remaining_after"`
}

// PreviewFlexiblePayment walks a flexible amount over the schedule without
// changing anything.
func (s *AgreementService) PreviewFlexiblePayment(ctx context.Context, customerID, agreementID int64, amount decimal.Decimal) (*FlexiblePaymentPreview, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.PreviewFlexiblePayment")
	defer span.End()

	a, err := s.repo.GetAgreementByID(ctx, agreementID)
	if err != nil {
		return nil, notFoundOr(err, "agreement", agreementID)
	}
	if a.CustomerID != customerID {
		return nil, &NotFoundError{Entity: "agreement", ID: agreementID}
	}
	if a.Status != models.AgreementStatusActive {
		return nil, &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "pay"}
	}

	payments, err := s.repo.ListPayments(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return s.previewFlexible(a, payments, amount, s.now().UTC()), nil
}

// ApplyFlexiblePayment debits a customer-chosen amount and spreads it over
// the unpaid payments in schedule order.
func (s *AgreementService) ApplyFlexiblePayment(ctx context.Context, customerID, agreementID int64, amount decimal.Decimal) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.ApplyFlexiblePayment",
		attribute.Int64("agreement.id", agreementID), attribute.String("amount", amount.String()))
	defer span.End()

	var (
		result    *PaymentResult
		agreement *models.Agreement
		txID      string
	)
	fx := &effects{}
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.lockOwned(ctx, customerID, agreementID)
		if err != nil {
			return err
		}
		if a.Status != models.AgreementStatusActive {
			return &InvalidStateError{Entity: "agreement", ID: a.ID, Status: string(a.Status), Op: "pay"}
		}

		payments, err := s.repo.ListPayments(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}

		now := s.now().UTC()
		preview := s.previewFlexible(a, payments, amount, now)
		if !preview.Valid {
			return &ValidationError{Field: "amount", Reason: preview.Reason}
		}

		txID, err = s.debit(ctx, a, amount, "flexible payment", fmt.Sprintf("agreement-%d-flexible-%d", a.ID, now.UnixNano()))
		if err != nil {
			return err
		}

		byID := make(map[int64]*models.Payment, len(payments))
		for i := range payments {
			byID[payments[i].ID] = &payments[i]
		}

		touched := make([]models.Payment, 0, len(preview.Allocations))
		ids := make([]int64, 0, len(preview.Allocations))
		for _, alloc := range preview.Allocations {
			p := byID[alloc.PaymentID]
			if alloc.StatusAfter == models.PaymentStatusCompleted {
				settle(p, alloc.Applied, models.PaymentMethodFlexible, txID, now)
				a.PaymentsCompleted++
				a.PaymentsRemaining--
			} else {
				p.PaidAmount = p.PaidAmount.Add(alloc.Applied)
				p.PaymentMethod = models.PaymentMethodFlexible
				p.TransactionRef = txID
				p.Status = models.PaymentStatusPartiallyPaid
			}
			if err := s.repo.UpdatePayment(ctx, p); err != nil {
				return err
			}
			touched = append(touched, *p)
			ids = append(ids, p.ID)
		}

		a.AmountPaid = a.AmountPaid.Add(amount)
		a.AmountRemaining = a.AmountRemaining.Sub(amount)
		if preview.PaymentsSettled > 0 {
			a.ConsecutiveLatePayments = 0
		}
		setNextPayment(a, payments)

		if a.PaymentsRemaining == 0 {
			s.markCompleted(a, now, fx)
		}
		if err := s.repo.UpdateAgreement(ctx, a); err != nil {
			return err
		}

		fx.requestOrder = a.FulfillmentTiming == models.FulfillmentAfterFirstPayment &&
			a.PaymentsCompleted > 0 && a.OrderID == nil
		fx.events = append(fx.events, paymentSucceeded(a, ids, amount, models.PaymentMethodFlexible, txID, now))
		agreement = a
		result = &PaymentResult{
			Agreement:     a,
			Payments:      touched,
			Amount:        amount,
			TransactionID: txID,
			Completed:     fx.completed,
		}
		return nil
	})
	if err != nil {
		if txID != "" {
			s.reconcile(ctx, agreementID, txID, amount, err)
		}
		return nil, err
	}

	s.flush(ctx, agreement, fx)

	util.PaymentSuccessTotal.WithLabelValues(models.PaymentMethodFlexible).Inc()
	s.logger.Info("Flexible payment applied",
		zap.Int64("agreement_id", agreement.ID),
		zap.String("amount", amount.String()),
		zap.Int("payments_touched", len(result.Payments)))
	return result, nil
}

// previewFlexible validates amount against the bounds and runs the walk.
func (s *AgreementService) previewFlexible(a *models.Agreement, payments []models.Payment, amount decimal.Decimal, now time.Time) *FlexiblePaymentPreview {
	unpaid := unpaidInOrder(payments)

	preview := &FlexiblePaymentPreview{
		Amount:  amount,
		Maximum: a.AmountRemaining,
	}
	if len(unpaid) == 0 {
		preview.Reason = "no unpaid payments"
		return preview
	}
	preview.Minimum = s.flexibleMinimum(unpaid[0], now)

	switch {
	case !amount.Equal(models.RoundMoney(amount)):
		preview.Reason = "amount has more than two decimal places"
	case amount.LessThan(preview.Minimum):
		preview.Reason = fmt.Sprintf("amount is below the minimum of %s", preview.Minimum.StringFixed(models.MoneyScale))
	case amount.GreaterThanOrEqual(preview.Maximum):
		preview.Reason = fmt.Sprintf("amount must be below the remaining balance of %s; use early payoff to settle in full",
			preview.Maximum.StringFixed(models.MoneyScale))
	default:
		preview.Valid = true
	}
	if !preview.Valid {
		return preview
	}

	preview.Allocations = allocate(unpaid, amount)
	for _, alloc := range preview.Allocations {
		if alloc.StatusAfter == models.PaymentStatusCompleted {
			preview.PaymentsSettled++
		}
	}
	preview.RemainingAfter = a.AmountRemaining.Sub(amount)
	return preview
}

// flexibleMinimum is a share of what the earliest unpaid payment still needs,
// growing with how overdue it is.
func (s *AgreementService) flexibleMinimum(earliest *models.Payment, now time.Time) decimal.Decimal {
	need := earliest.RemainingNeed()
	today := startOfDay(now)
	due := startOfDay(earliest.DueDate)

	var percent decimal.Decimal
	switch {
	case !today.After(due):
		percent = s.policy.FlexibleMinPercentCurrent
	case today.Sub(due) <= time.Duration(s.policy.FlexibleGraceDays)*24*time.Hour:
		percent = s.policy.FlexibleMinPercentGrace
	default:
		percent = hundred
	}

	minimum := models.RoundMoney(need.Mul(percent).Div(hundred))
	if minimum.LessThan(minimumMoney) {
		return minimumMoney
	}
	return minimum
}

// allocate gives each payment, in schedule order, as much as it still needs
// until the amount runs out.
func allocate(unpaid []*models.Payment, amount decimal.Decimal) []Allocation {
	left := amount
	var out []Allocation
	for _, p := range unpaid {
		if !left.IsPositive() {
			break
		}
		need := p.RemainingNeed()
		if !need.IsPositive() {
			continue
		}
		applied := decimal.Min(need, left)
		left = left.Sub(applied)

		status := models.PaymentStatusPartiallyPaid
		if applied.Equal(need) {
			status = models.PaymentStatusCompleted
		}
		out = append(out, Allocation{
			PaymentID:     p.ID,
			PaymentNumber: p.PaymentNumber,
			Applied:       applied,
			PaidAfter:     p.PaidAmount.Add(applied),
			StatusAfter:   status,
		})
	}
	return out
}

func unpaidInOrder(payments []models.Payment) []*models.Payment {
	out := make([]*models.Payment, 0, len(payments))
	for i := range payments {
		if !payments[i].Status.Settled() {
			out = append(out, &payments[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PaymentNumber < out[j].PaymentNumber
	})
	return out
}

// debit takes a customer-initiated amount from the wallet. Wallet problems
// are returned to the customer and not booked as missed installments.
func (s *AgreementService) debit(ctx context.Context, a *models.Agreement, amount decimal.Decimal, reason, reference string) (string, error) {
	balance, err := s.ledger.GetBalance(ctx, a.CustomerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", &AccountInactiveError{CustomerID: a.CustomerID}
	case err != nil:
		return "", fmt.Errorf("failed to get balance: %w", err)
	case !balance.Active:
		return "", &AccountInactiveError{CustomerID: a.CustomerID}
	case balance.Amount.LessThan(amount):
		return "", &InsufficientFundsError{CustomerID: a.CustomerID, Required: amount, Available: balance.Amount}
	}

	txID, err := s.ledger.Debit(ctx, models.DebitRequest{
		SourceAccount:      balance.AccountID,
		DestinationAccount: s.policy.PlatformAccountID,
		Amount:             amount,
		Reason:             fmt.Sprintf("%s on %s", reason, a.AgreementNumber),
		ReferenceID:        reference,
	})
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return "", &InsufficientFundsError{CustomerID: a.CustomerID, Required: amount, Available: balance.Amount}
	case errors.Is(err, store.ErrAccountInactive):
		return "", &AccountInactiveError{CustomerID: a.CustomerID}
	case err != nil:
		return "", fmt.Errorf("failed to debit wallet: %w", err)
	}
	return txID, nil
}
