// Package proration computes mid-period plan change adjustments.
// Everything here is pure: no clocks, no I/O.
package proration

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrIncompatiblePlans is returned when two plans cannot be prorated against each other
var ErrIncompatiblePlans = errors.New("plans differ in currency or interval")

// Price is the billing-relevant part of a plan
type Price struct {
	Amount   int64 // smallest currency unit per interval
	Currency string
	Interval string
}

var one = decimal.NewFromInt(1)

// Prorate returns the signed adjustment for switching from old to new with
// elapsed of the current period already consumed. A positive result is a
// charge, a negative one a credit. Rounding to the smallest currency unit,
// half away from zero, happens once on the final total.
func Prorate(old, new Price, elapsed decimal.Decimal) (int64, error) {
	if old.Currency != new.Currency || old.Interval != new.Interval {
		return 0, ErrIncompatiblePlans
	}
	remaining := one.Sub(clamp(elapsed))
	credit := decimal.NewFromInt(old.Amount).Mul(remaining).Neg()
	charge := decimal.NewFromInt(new.Amount).Mul(remaining)
	return charge.Add(credit).Round(0).IntPart(), nil
}

// ElapsedFraction returns how much of [start, end) has passed at now, clamped to [0, 1]
func ElapsedFraction(start, end, now time.Time) decimal.Decimal {
	total := end.Sub(start)
	if total <= 0 {
		return one
	}
	elapsed := decimal.NewFromInt(int64(now.Sub(start))).Div(decimal.NewFromInt(int64(total)))
	return clamp(elapsed)
}

func clamp(f decimal.Decimal) decimal.Decimal {
	if f.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if f.GreaterThan(one) {
		return one
	}
	return f
}
