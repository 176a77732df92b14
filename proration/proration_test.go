package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	family = Price{Amount: 1999, Currency: "usd", Interval: "month"}
	school = Price{Amount: 4999, Currency: "usd", Interval: "month"}
)

func TestProrateSamePlanIsZero(t *testing.T) {
	for _, f := range []string{"0", "0.1", "0.3333", "0.5", "0.99", "1"} {
		got, err := Prorate(family, family, decimal.RequireFromString(f))
		require.NoError(t, err)
		assert.Equal(t, int64(0), got, "fraction %s", f)
	}
}

func TestProrateSign(t *testing.T) {
	half := decimal.RequireFromString("0.5")

	up, err := Prorate(family, school, half)
	require.NoError(t, err)
	assert.Positive(t, up)

	down, err := Prorate(school, family, half)
	require.NoError(t, err)
	assert.Negative(t, down)
}

func TestProrateHalfPeriodUpgrade(t *testing.T) {
	got, err := Prorate(family, school, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	// (4999-1999)*0.5
	assert.Equal(t, int64(1500), got)
}

func TestProrateRoundsOnceHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		name    string
		old     Price
		new     Price
		elapsed string
		want    int64
	}{
		// 0.5 * (1001 - 0) = 500.5 -> 501
		{"positive half", Price{0, "usd", "month"}, Price{1001, "usd", "month"}, "0.5", 501},
		// 0.5 * (0 - 1001) = -500.5 -> -501
		{"negative half", Price{1001, "usd", "month"}, Price{0, "usd", "month"}, "0.5", -501},
		// rounding per component gives -667 + 1333 = 666, rounding the total 666.67 gives 667
		{"single rounding", Price{1000, "usd", "month"}, Price{2000, "usd", "month"}, "0.333333333333", 667},
		{"nothing remaining", family, school, "1", 0},
		{"full period", family, school, "0", 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Prorate(tt.old, tt.new, decimal.RequireFromString(tt.elapsed))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProrateIncompatible(t *testing.T) {
	_, err := Prorate(family, Price{Amount: 1, Currency: "eur", Interval: "month"}, decimal.Zero)
	assert.ErrorIs(t, err, ErrIncompatiblePlans)

	_, err = Prorate(family, Price{Amount: 1, Currency: "usd", Interval: "year"}, decimal.Zero)
	assert.ErrorIs(t, err, ErrIncompatiblePlans)
}

func TestElapsedFraction(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	assert.True(t, ElapsedFraction(start, end, start.Add(15*24*time.Hour)).Equal(decimal.RequireFromString("0.5")))
	assert.True(t, ElapsedFraction(start, end, start.Add(-time.Hour)).Equal(decimal.Zero))
	assert.True(t, ElapsedFraction(start, end, end.Add(time.Hour)).Equal(decimal.NewFromInt(1)))
	assert.True(t, ElapsedFraction(start, start, start).Equal(decimal.NewFromInt(1)))
}
