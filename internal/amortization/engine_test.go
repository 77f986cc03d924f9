package amortization

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

var start = time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

func TestEqualPrincipalInterest(t *testing.T) {
	rows, err := GenerateSchedule(Params{
		Principal:     1_200_000,
		AnnualRateBps: 1200,
		Periods:       12,
		Method:        domain.EqualPrincipalInterest,
		StartDate:     start,
	})
	require.NoError(t, err)
	require.Len(t, rows, 12)

	assert.Equal(t, int64(12_000), rows[0].Interest)
	assert.Equal(t, int64(94_619), rows[0].Principal)
	assert.Equal(t, int64(106_619), rows[0].Payment)
	assert.Equal(t, int64(1_105_381), rows[0].Balance)

	for _, r := range rows[:11] {
		assert.Equal(t, int64(106_619), r.Payment, "period %d", r.Period)
	}
	last := rows[11]
	assert.Equal(t, int64(105_558), last.Principal)
	assert.Equal(t, int64(1_056), last.Interest)
	assert.Equal(t, int64(0), last.Balance)
	assert.Equal(t, int64(1_200_000), TotalPrincipal(rows))
}

// Equal principal repays P/n every period. Some published worked examples for
// this loan quote 88,636 principal and 1,111,364 remaining after period one;
// those figures belong to a different split and are not what this method
// produces.
func TestEqualPrincipal(t *testing.T) {
	rows, err := GenerateSchedule(Params{
		Principal:     1_200_000,
		AnnualRateBps: 1200,
		Periods:       12,
		Method:        domain.EqualPrincipal,
		StartDate:     start,
	})
	require.NoError(t, err)
	require.Len(t, rows, 12)

	assert.Equal(t, int64(100_000), rows[0].Principal)
	assert.Equal(t, int64(12_000), rows[0].Interest)
	assert.Equal(t, int64(1_100_000), rows[0].Balance)
	assert.Equal(t, int64(11_000), rows[1].Interest)
	assert.Equal(t, int64(1_000), rows[11].Interest)
	assert.Equal(t, int64(1_200_000), TotalPrincipal(rows))
	assert.Equal(t, int64(78_000), TotalInterest(rows))
}

func TestBullet(t *testing.T) {
	rows, err := GenerateSchedule(Params{
		Principal:     1_200_000,
		AnnualRateBps: 1200,
		Periods:       12,
		Method:        domain.Bullet,
		StartDate:     start,
	})
	require.NoError(t, err)

	for _, r := range rows[:11] {
		assert.Equal(t, int64(0), r.Principal)
		assert.Equal(t, int64(12_000), r.Interest)
	}
	assert.Equal(t, int64(1_200_000), rows[11].Principal)
	assert.Equal(t, int64(1_212_000), rows[11].Payment)
}

func TestFinalPeriodAbsorbsResidue(t *testing.T) {
	// 250/4 = 62.5 rounds half-to-even down to 62
	rows, err := GenerateSchedule(Params{
		Principal: 250,
		Periods:   4,
		Method:    domain.EqualPrincipal,
		StartDate: start,
	})
	require.NoError(t, err)

	got := []int64{rows[0].Principal, rows[1].Principal, rows[2].Principal, rows[3].Principal}
	assert.Equal(t, []int64{62, 62, 62, 64}, got)
}

func TestZeroRateAnnuity(t *testing.T) {
	rows, err := GenerateSchedule(Params{
		Principal: 1000,
		Periods:   3,
		Method:    domain.EqualPrincipalInterest,
		StartDate: start,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(333), rows[0].Payment)
	assert.Equal(t, int64(333), rows[1].Payment)
	assert.Equal(t, int64(334), rows[2].Payment)
	assert.Equal(t, int64(0), TotalInterest(rows))
}

func TestPrincipalSumHoldsAcrossMethods(t *testing.T) {
	methods := []domain.RepaymentMethod{domain.EqualPrincipalInterest, domain.EqualPrincipal, domain.Bullet}
	principals := []int64{1, 999, 1_234_567, 50_000_000}
	rates := []int64{0, 350, 1999, 3600}
	terms := []int{1, 7, 36, 360}

	for _, m := range methods {
		for _, p := range principals {
			for _, r := range rates {
				for _, n := range terms {
					rows, err := GenerateSchedule(Params{Principal: p, AnnualRateBps: r, Periods: n, Method: m, StartDate: start})
					require.NoError(t, err, "%s p=%d r=%d n=%d", m, p, r, n)
					require.Len(t, rows, n)
					assert.Equal(t, p, TotalPrincipal(rows), "%s p=%d r=%d n=%d", m, p, r, n)
					for _, row := range rows {
						assert.GreaterOrEqual(t, row.Principal, int64(0))
						assert.GreaterOrEqual(t, row.Interest, int64(0))
					}
					assert.Equal(t, int64(0), rows[n-1].Balance)
				}
			}
		}
	}
}

func TestGenerateScheduleRejects(t *testing.T) {
	base := Params{Principal: 1000, AnnualRateBps: 500, Periods: 12, Method: domain.EqualPrincipal, StartDate: start}

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero principal", func(p *Params) { p.Principal = 0 }},
		{"negative principal", func(p *Params) { p.Principal = -5 }},
		{"zero periods", func(p *Params) { p.Periods = 0 }},
		{"too many periods", func(p *Params) { p.Periods = MaxPeriods + 1 }},
		{"negative rate", func(p *Params) { p.AnnualRateBps = -1 }},
		{"unknown method", func(p *Params) { p.Method = "BALLOON" }},
		{"missing start", func(p *Params) { p.StartDate = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := GenerateSchedule(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation), "got %v", err)
		})
	}
}

func TestDueDates(t *testing.T) {
	rows, err := GenerateSchedule(Params{
		Principal: 1000,
		Periods:   3,
		Method:    domain.Bullet,
		StartDate: time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), rows[0].DueDate)
	assert.Equal(t, time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC), rows[1].DueDate)
	assert.Equal(t, time.Date(2025, time.April, 30, 0, 0, 0, 0, time.UTC), rows[2].DueDate)
}
