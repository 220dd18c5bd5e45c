package service

import (
	"context"
	"fmt"

	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Share of the remaining interest still charged on early payoff.
var payoffInterestShare = decimal.NewFromFloat(0.25)

// PayoffQuote is the lump sum that retires every unpaid payment at once
type PayoffQuote struct {
	AgreementID        int64           `json:"agreement_id"`
	AmountRemaining    decimal.Decimal `json:"amount_remaining"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	RemainingInterest  decimal.Decimal `json:"remaining_interest"`
	InterestRebate     decimal.Decimal `json:"interest_rebate"`
	PayoffAmount       decimal.Decimal `json:"payoff_amount"`
	PaymentsCovered    int             `json:"payments_covered"`
	lines              []payoffLine
}

// payoffLine is what one unpaid payment contributes to the payoff.
type payoffLine struct {
	payment *models.Payment
	due     decimal.Decimal
	rebate  decimal.Decimal
}

// QuoteEarlyPayoff prices settling the whole agreement now
func (s *AgreementService) QuoteEarlyPayoff(ctx context.Context, customerID, agreementID int64) (*PayoffQuote, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.QuoteEarlyPayoff")
	defer span.End()

	a, err := s.repo.GetAgreementByID(ctx, agreementID)
	if err != nil {
		return nil, notFoundOr(err, "agreement", agreementID)
	}
	if a.CustomerID != customerID {
		return nil, &NotFoundError{Entity: "agreement", ID: agreementID}
	}
	payments, err := s.repo.ListPayments(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return quotePayoff(a, payments)
}

// SettleEarlyPayoff debits the payoff amount and completes the agreement
func (s *AgreementService) SettleEarlyPayoff(ctx context.Context, customerID, agreementID int64) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.SettleEarlyPayoff", attribute.Int64("agreement.id", agreementID))
	defer span.End()

	var (
		result    *PaymentResult
		agreement *models.Agreement
		txID      string
		amount    decimal.Decimal
	)
	fx := &effects{}
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.lockOwned(ctx, customerID, agreementID)
		if err != nil {
			return err
		}
		payments, err := s.repo.ListPayments(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		quote, err := quotePayoff(a, payments)
		if err != nil {
			return err
		}
		amount = quote.PayoffAmount

		now := s.now().UTC()
		txID, err = s.debit(ctx, a, amount, "early payoff", fmt.Sprintf("agreement-%d-payoff", a.ID))
		if err != nil {
			return err
		}

		touched := make([]models.Payment, 0, len(quote.lines))
		ids := make([]int64, 0, len(quote.lines))
		for _, line := range quote.lines {
			p := line.payment
			settle(p, line.due, models.PaymentMethodEarlyPayoff, txID, now)
			p.Notes = fmt.Sprintf("settled by early payoff, interest rebate %s", line.rebate.StringFixed(models.MoneyScale))
			if err := s.repo.UpdatePayment(ctx, p); err != nil {
				return err
			}
			touched = append(touched, *p)
			ids = append(ids, p.ID)
		}

		a.InterestRebate = a.InterestRebate.Add(quote.InterestRebate)
		a.TotalAmount = a.TotalAmount.Sub(quote.InterestRebate)
		a.AmountPaid = a.AmountPaid.Add(amount)
		a.AmountRemaining = decimal.Zero
		a.PaymentsCompleted = a.NumberOfPayments
		a.PaymentsRemaining = 0
		a.ConsecutiveLatePayments = 0
		s.markCompleted(a, now, fx)
		if err := s.repo.UpdateAgreement(ctx, a); err != nil {
			return err
		}

		fx.events = append(fx.events, paymentSucceeded(a, ids, amount, models.PaymentMethodEarlyPayoff, txID, now))
		agreement = a
		result = &PaymentResult{
			Agreement:     a,
			Payments:      touched,
			Amount:        amount,
			TransactionID: txID,
			Completed:     true,
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

	util.PaymentSuccessTotal.WithLabelValues(models.PaymentMethodEarlyPayoff).Inc()
	s.logger.Info("Agreement paid off early",
		zap.Int64("agreement_id", agreement.ID),
		zap.String("amount", amount.String()),
		zap.String("interest_rebate", agreement.InterestRebate.String()))
	return result, nil
}

// quotePayoff charges all remaining principal plus a quarter of the remaining
// interest. Money already paid on a payment counts against its interest first.
func quotePayoff(a *models.Agreement, payments []models.Payment) (*PayoffQuote, error) {
	if a.Status != models.AgreementStatusActive {
		return nil, &NotEligibleError{AgreementID: a.ID, Reason: fmt.Sprintf("status is %s", a.Status)}
	}
	unpaid := unpaidInOrder(payments)
	if a.PaymentsRemaining == 0 || len(unpaid) == 0 {
		return nil, &NotEligibleError{AgreementID: a.ID, Reason: "no remaining payments"}
	}

	q := &PayoffQuote{
		AgreementID:        a.ID,
		AmountRemaining:    a.AmountRemaining,
		RemainingPrincipal: decimal.Zero,
		RemainingInterest:  decimal.Zero,
		PaymentsCovered:    len(unpaid),
		lines:              make([]payoffLine, 0, len(unpaid)),
	}

	interestLeft := make([]decimal.Decimal, len(unpaid))
	for i, p := range unpaid {
		interest := decimal.Max(decimal.Zero, p.InterestPortion.Sub(p.PaidAmount))
		principal := p.RemainingNeed().Sub(interest)
		interestLeft[i] = interest
		q.RemainingInterest = q.RemainingInterest.Add(interest)
		q.RemainingPrincipal = q.RemainingPrincipal.Add(principal)
	}

	charged := models.RoundMoney(q.RemainingInterest.Mul(payoffInterestShare))
	q.InterestRebate = q.RemainingInterest.Sub(charged)
	q.PayoffAmount = q.RemainingPrincipal.Add(charged)

	rebates := spreadRebate(q.InterestRebate, interestLeft)
	for i, p := range unpaid {
		q.lines = append(q.lines, payoffLine{
			payment: p,
			due:     p.RemainingNeed().Sub(rebates[i]),
			rebate:  rebates[i],
		})
	}
	return q, nil
}

// spreadRebate splits total over the payments in proportion to their
// remaining interest. Each share stays within [0, interest] and the rounding
// residue moves onto the latest payments that still have room for it.
func spreadRebate(total decimal.Decimal, interest []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(interest))
	residue := total
	for i, in := range interest {
		shares[i] = models.RoundMoney(in.Sub(in.Mul(payoffInterestShare)))
		residue = residue.Sub(shares[i])
	}

	for i := len(shares) - 1; i >= 0 && !residue.IsZero(); i-- {
		var step decimal.Decimal
		if residue.IsPositive() {
			step = decimal.Min(residue, interest[i].Sub(shares[i]))
		} else {
			step = decimal.Max(residue, shares[i].Neg())
		}
		shares[i] = shares[i].Add(step)
		residue = residue.Sub(step)
	}
	return shares
}
