// Package amortization generates loan repayment schedules.
//
// All arithmetic runs on shopspring/decimal and every money amount is rounded
// to whole minor units with banker's rounding. The final period absorbs the
// rounding residue so the principal components always sum to the loan principal.
package amortization

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

const (
	MaxPeriods       = 600
	MaxAnnualRateBps = 100_000

	// factorPrecision bounds the digits carried by (1+r)^n.
	factorPrecision = 24
)

var (
	bpsPerUnit    = decimal.NewFromInt(10_000)
	monthsPerYear = decimal.NewFromInt(12)
	decimalOne    = decimal.NewFromInt(1)
)

// Params describes the loan to amortize.
type Params struct {
	Principal     int64
	AnnualRateBps int64
	Periods       int
	Method        domain.RepaymentMethod
	StartDate     time.Time
}

// Row is one generated period. Balance is the principal still owed after the row is paid.
type Row struct {
	Period    int       `json:"period"`
	DueDate   time.Time `json:"due_date"`
	Payment   int64     `json:"payment"`
	Principal int64     `json:"principal"`
	Interest  int64     `json:"interest"`
	Balance   int64     `json:"balance"`
}

func (p Params) validate() error {
	if p.Principal <= 0 {
		return domain.ErrInvalidAmount
	}
	if p.Periods <= 0 || p.Periods > MaxPeriods {
		return domain.Validationf("periods must be between 1 and %d, got %d", MaxPeriods, p.Periods)
	}
	if p.AnnualRateBps < 0 || p.AnnualRateBps > MaxAnnualRateBps {
		return domain.Validationf("annual rate must be between 0 and %d bps, got %d", MaxAnnualRateBps, p.AnnualRateBps)
	}
	if p.StartDate.IsZero() {
		return domain.Validationf("start date is required")
	}
	switch p.Method {
	case domain.EqualPrincipalInterest, domain.EqualPrincipal, domain.Bullet:
		return nil
	}
	return domain.Validationf("unknown repayment method %q", p.Method)
}

// PeriodicRate converts an annual rate in basis points to the monthly rate.
func PeriodicRate(annualRateBps int64) decimal.Decimal {
	return decimal.NewFromInt(annualRateBps).Div(bpsPerUnit).Div(monthsPerYear)
}

// GenerateSchedule builds the full schedule for p.
func GenerateSchedule(p Params) ([]Row, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	rate := PeriodicRate(p.AnnualRateBps)
	principal := decimal.NewFromInt(p.Principal)

	var level decimal.Decimal
	switch p.Method {
	case domain.EqualPrincipalInterest:
		level = annuityPayment(principal, rate, p.Periods)
	case domain.EqualPrincipal:
		level = principal.Div(decimal.NewFromInt(int64(p.Periods))).RoundBank(0)
	}

	rows := make([]Row, 0, p.Periods)
	remaining := p.Principal
	for k := 1; k <= p.Periods; k++ {
		interest := decimal.NewFromInt(remaining).Mul(rate).RoundBank(0).IntPart()

		var part int64
		switch {
		case k == p.Periods:
			part = remaining
		case p.Method == domain.EqualPrincipalInterest:
			part = level.IntPart() - interest
		case p.Method == domain.EqualPrincipal:
			part = level.IntPart()
		case p.Method == domain.Bullet:
			part = 0
		}
		if part < 0 {
			return nil, domain.Validationf("period %d would carry a negative principal component (%d)", k, part)
		}
		if part > remaining {
			part = remaining
		}
		remaining -= part

		rows = append(rows, Row{
			Period:    k,
			DueDate:   AddMonths(p.StartDate, k),
			Payment:   part + interest,
			Principal: part,
			Interest:  interest,
			Balance:   remaining,
		})
	}

	if total := TotalPrincipal(rows); total != p.Principal {
		return nil, domain.Invariantf("schedule principal sums to %d, want %d", total, p.Principal)
	}
	return rows, nil
}

// annuityPayment is P·r·(1+r)^n / ((1+r)^n − 1), or P/n when r is zero.
func annuityPayment(principal, rate decimal.Decimal, periods int) decimal.Decimal {
	n := decimal.NewFromInt(int64(periods))
	if rate.IsZero() {
		return principal.Div(n).RoundBank(0)
	}
	factor := decimalOne
	growth := decimalOne.Add(rate)
	for i := 0; i < periods; i++ {
		factor = factor.Mul(growth).Round(factorPrecision)
	}
	return principal.Mul(rate).Mul(factor).Div(factor.Sub(decimalOne)).RoundBank(0)
}

// AddMonths moves t forward by n calendar months, clamping to the last day of
// the target month instead of overflowing into the next one.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func TotalPrincipal(rows []Row) int64 {
	var sum int64
	for _, r := range rows {
		sum += r.Principal
	}
	return sum
}

func TotalInterest(rows []Row) int64 {
	var sum int64
	for _, r := range rows {
		sum += r.Interest
	}
	return sum
}
