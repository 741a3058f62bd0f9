package proration

import (
	"time"

	"github.com/shopspring/decimal"
)

const hoursPerDay = 24

// TimeRatio returns the fraction of the billing period [from, to] that has
// elapsed at current, counting whole days inclusively. It returns one when
// the period is over, zero when it has not started, and clamps to [0, 1]
// otherwise. chargesDuration overrides the period length in days when
// positive; zero means derive it from the window.
func TimeRatio(from, to, current time.Time, chargesDuration int) decimal.Decimal {
	if !current.Before(to) {
		return decimal.NewFromInt(1)
	}
	if current.Before(from) {
		return decimal.Zero
	}

	duration := chargesDuration
	if duration <= 0 {
		duration = daysBetween(from, to) + 1
	}
	if duration <= 0 {
		return decimal.Zero
	}

	elapsed := daysBetween(from, current) + 1
	ratio := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(duration)))
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if ratio.IsNegative() {
		return decimal.Zero
	}
	return ratio
}

// ProjectedAmountCents extrapolates a partial-period amount to what the full
// period would bill. Recurring fees bill the full amount regardless of when
// they start, so they pass through untouched. A zero ratio projects to zero
// rather than dividing.
func ProjectedAmountCents(currentCents int64, ratio decimal.Decimal, recurring bool) int64 {
	if recurring {
		return currentCents
	}
	if ratio.IsZero() {
		return 0
	}
	return decimal.NewFromInt(currentCents).Div(ratio).Round(0).IntPart()
}

// ProjectedUnits extrapolates partial-period units to the full period at two
// decimal places, with the same recurring and zero-ratio behavior as
// ProjectedAmountCents.
func ProjectedUnits(currentUnits decimal.Decimal, ratio decimal.Decimal, recurring bool) decimal.Decimal {
	if recurring {
		return currentUnits
	}
	if ratio.IsZero() {
		return decimal.Zero
	}
	return currentUnits.Div(ratio).Round(2)
}

// DateDiffWithTimezone counts the effective days between from and to as seen
// in tz, by flooring the real elapsed time between the local midnights of the
// two dates. Across a spring-forward transition a 31-calendar-day window
// spans only 743 wall-clock hours and therefore counts as 30 effective days.
// When terminatedAndUpgraded is set the upgrade day is billed by the new
// plan, so one day is shaved off, floored at zero.
func DateDiffWithTimezone(from, to time.Time, tz *time.Location, terminatedAndUpgraded bool) int {
	if tz == nil {
		tz = time.UTC
	}
	fromMidnight := localMidnight(from, tz)
	toMidnight := localMidnight(to, tz)

	days := int(toMidnight.Sub(fromMidnight).Hours() / hoursPerDay)
	if terminatedAndUpgraded {
		days--
	}
	if days < 0 {
		return 0
	}
	return days
}

func daysBetween(from, to time.Time) int {
	return DateDiffWithTimezone(from, to, time.UTC, false)
}

func localMidnight(at time.Time, tz *time.Location) time.Time {
	local := at.In(tz)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tz)
}
