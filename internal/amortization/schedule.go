package amortization

import (
	"fmt"
	"time"

	"installment-service/internal/models"

	"github.com/teambition/rrule-go"
)

// FirstPaymentDate is the acceptance day pushed out by the plan's start delay.
func FirstPaymentDate(acceptedAt time.Time, delayDays int) time.Time {
	return startOfDay(acceptedAt).AddDate(0, 0, delayDays)
}

// DueDates returns n due dates starting at first. Semi-monthly dates snap to
// the 1st and 15th; monthly and quarterly dates past the 28th fall back to
// the last day of shorter months.
func DueDates(freq models.Frequency, customIntervalDays int, first time.Time, n int) ([]time.Time, error) {
	if n < 1 {
		return nil, ErrInvalidTerm
	}

	opt := rrule.ROption{
		Dtstart:  startOfDay(first),
		Count:    n,
		Interval: 1,
	}

	switch freq {
	case models.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case models.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
	case models.FrequencyBiWeekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case models.FrequencyCustom:
		if customIntervalDays < 1 {
			return nil, ErrInvalidInterval
		}
		opt.Freq = rrule.DAILY
		opt.Interval = customIntervalDays
	case models.FrequencySemiMonthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{1, 15}
	case models.FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
		clampMonthEnd(&opt)
	case models.FrequencyQuarterly:
		opt.Freq = rrule.MONTHLY
		opt.Interval = 3
		clampMonthEnd(&opt)
	default:
		return nil, fmt.Errorf("unknown payment frequency %q", string(freq))
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build recurrence: %w", err)
	}

	dates := rule.All()
	if len(dates) != n {
		return nil, fmt.Errorf("recurrence produced %d due dates, want %d", len(dates), n)
	}
	return dates, nil
}

// clampMonthEnd keeps a day-29/30/31 anchor from skipping short months:
// pick the last existing day among 28..anchor.
func clampMonthEnd(opt *rrule.ROption) {
	day := opt.Dtstart.Day()
	if day <= 28 {
		return
	}
	days := make([]int, 0, day-27)
	for d := 28; d <= day; d++ {
		days = append(days, d)
	}
	opt.Bymonthday = days
	opt.Bysetpos = []int{-1}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
