// Package amortization builds level-payment installment schedules.
package amortization

import (
	"errors"
	"fmt"
	"time"

	"installment-service/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("financed amount must be positive")
	ErrInvalidRate     = errors.New("annual rate must not be negative")
	ErrInvalidTerm     = errors.New("number of payments must be at least 1")
	ErrInvalidInterval = errors.New("custom frequency needs a positive interval in days")
	ErrTermTooLong     = errors.New("installments would fall below one cent")
)

var (
	hundred     = decimal.NewFromInt(100)
	cent        = decimal.New(1, -models.MoneyScale)
	daysPerYear = decimal.NewFromInt(365)
)

// Terms are the inputs of a schedule.
type Terms struct {
	FinancedAmount     decimal.Decimal
	AnnualRate         decimal.Decimal // percent, 12.5 means 12.5% APR
	Frequency          models.Frequency
	CustomIntervalDays int
	NumberOfPayments   int
	FirstPaymentDate   time.Time
}

// Entry is one period of a schedule.
type Entry struct {
	PaymentNumber    int
	DueDate          time.Time
	ScheduledAmount  decimal.Decimal
	Principal        decimal.Decimal
	Interest         decimal.Decimal
	RemainingBalance decimal.Decimal
}

// Schedule is the full amortization of a financed amount.
type Schedule struct {
	PeriodRate    decimal.Decimal
	PaymentAmount decimal.Decimal
	TotalInterest decimal.Decimal
	TotalAmount   decimal.Decimal
	Entries       []Entry
}

func (t Terms) validate() error {
	if !t.FinancedAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if t.AnnualRate.IsNegative() {
		return ErrInvalidRate
	}
	if t.NumberOfPayments < 1 {
		return ErrInvalidTerm
	}
	if _, err := models.ParseFrequency(string(t.Frequency)); err != nil {
		return err
	}
	if t.Frequency == models.FrequencyCustom && t.CustomIntervalDays < 1 {
		return ErrInvalidInterval
	}
	return nil
}

// PeriodRate converts an annual percentage rate into the rate of one period.
func PeriodRate(annualRate decimal.Decimal, freq models.Frequency, customIntervalDays int) (decimal.Decimal, error) {
	annual := annualRate.Div(hundred)

	var periodsPerYear int64
	switch freq {
	case models.FrequencyDaily:
		periodsPerYear = 365
	case models.FrequencyWeekly:
		periodsPerYear = 52
	case models.FrequencyBiWeekly:
		periodsPerYear = 26
	case models.FrequencySemiMonthly:
		periodsPerYear = 24
	case models.FrequencyMonthly:
		periodsPerYear = 12
	case models.FrequencyQuarterly:
		periodsPerYear = 4
	case models.FrequencyCustom:
		if customIntervalDays < 1 {
			return decimal.Zero, ErrInvalidInterval
		}
		return annual.Mul(decimal.NewFromInt(int64(customIntervalDays))).Div(daysPerYear), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown payment frequency %q", string(freq))
	}

	return annual.Div(decimal.NewFromInt(periodsPerYear)), nil
}

// LevelPayment returns financed * r / (1 - (1+r)^-n), or financed / n at
// zero rate, rounded to currency precision.
func LevelPayment(financed, rate decimal.Decimal, n int) decimal.Decimal {
	count := decimal.NewFromInt(int64(n))
	if rate.IsZero() {
		return models.RoundMoney(financed.Div(count))
	}

	// r / (1 - (1+r)^-n) == r * (1+r)^n / ((1+r)^n - 1)
	factor := decimal.NewFromInt(1).Add(rate).Pow(count)
	payment := financed.Mul(rate).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1)))
	return models.RoundMoney(payment)
}

// Calculate produces the full schedule. The final period takes whatever
// principal is left so the balance ends at exactly zero, and its interest is
// the level payment minus that principal.
//
// When the rounded level payment would retire the balance before the final
// period, the payment is lowered by a cent and the final installment grows
// instead. Terms that still cannot keep every installment positive are
// rejected with ErrTermTooLong.
func Calculate(t Terms) (*Schedule, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	rate, err := PeriodRate(t.AnnualRate, t.Frequency, t.CustomIntervalDays)
	if err != nil {
		return nil, err
	}

	dueDates, err := DueDates(t.Frequency, t.CustomIntervalDays, t.FirstPaymentDate, t.NumberOfPayments)
	if err != nil {
		return nil, err
	}

	payment := LevelPayment(t.FinancedAmount, rate, t.NumberOfPayments)
	schedule, ok := amortize(t.FinancedAmount, rate, payment, dueDates)
	if !ok {
		schedule, ok = amortize(t.FinancedAmount, rate, payment.Sub(cent), dueDates)
	}
	if !ok {
		return nil, ErrTermTooLong
	}
	return schedule, nil
}

// amortize walks the periods at a fixed payment. It reports false when an
// installment would not be positive or the balance would go negative.
func amortize(financed, rate, payment decimal.Decimal, dueDates []time.Time) (*Schedule, bool) {
	if !payment.IsPositive() {
		return nil, false
	}

	n := len(dueDates)
	schedule := &Schedule{
		PeriodRate:    rate,
		PaymentAmount: payment,
		TotalInterest: decimal.Zero,
		TotalAmount:   decimal.Zero,
		Entries:       make([]Entry, 0, n),
	}

	remaining := financed
	for period := 1; period <= n; period++ {
		interest := models.RoundMoney(remaining.Mul(rate))
		principal := payment.Sub(interest)
		scheduled := payment

		if period == n {
			principal = remaining
			interest = payment.Sub(principal)
			switch {
			case rate.IsZero():
				// Rounding drift never becomes interest on an interest-free plan.
				interest = decimal.Zero
				scheduled = principal
			case interest.IsNegative():
				interest = models.RoundMoney(remaining.Mul(rate))
				scheduled = principal.Add(interest)
			}
		}

		remaining = remaining.Sub(principal)
		if !principal.IsPositive() || !scheduled.IsPositive() || remaining.IsNegative() {
			return nil, false
		}
		if period < n && remaining.IsZero() {
			return nil, false
		}

		schedule.Entries = append(schedule.Entries, Entry{
			PaymentNumber:    period,
			DueDate:          dueDates[period-1],
			ScheduledAmount:  scheduled,
			Principal:        principal,
			Interest:         interest,
			RemainingBalance: remaining,
		})
		schedule.TotalInterest = schedule.TotalInterest.Add(interest)
		schedule.TotalAmount = schedule.TotalAmount.Add(scheduled)
	}

	return schedule, true
}
