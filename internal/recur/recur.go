// Package recur computes next-fire times for repeating scheduled messages.
//
// All functions are pure: the result depends only on the inputs, never on the
// wall clock, so month and leap-year boundaries are unit-testable exhaustively.
package recur

import (
	"time"

	"stagebot/internal/model"
)

// Next returns the fire time following t under the given rule.
// The time-of-day and location of t are preserved.
//
// Monthly overflow policy: when the target month is shorter than t's
// day-of-month (Jan 31 + 1 month), the result clamps to the last valid day of
// the target month. The clamped day is what gets persisted, so a series
// started on the 31st settles on the 28th/29th/30th after crossing a short
// month. For RepeatNone, t is returned unchanged.
func Next(t time.Time, rule model.RepeatRule) time.Time {
	switch rule {
	case model.RepeatDaily:
		return addDays(t, 1)
	case model.RepeatWeekly:
		return addDays(t, 7)
	case model.RepeatMonthly:
		return addMonthClamped(t)
	case model.RepeatLastWeekday:
		return lastWeekdayOfNextMonth(t)
	default:
		return t
	}
}

// addDays keeps the wall-clock time-of-day, letting time.Date normalize
// across DST transitions.
func addDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d+n, hh, mm, ss, t.Nanosecond(), t.Location())
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	// First day of the target month, then clamp the day-of-month.
	first := time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := first.Date()
	if last := daysIn(ty, tm, t.Location()); d > last {
		d = last
	}
	return time.Date(ty, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// lastWeekdayOfNextMonth finds the last calendar day of the month after t's
// whose weekday matches t's weekday ("last Friday of next month").
func lastWeekdayOfNextMonth(t time.Time) time.Time {
	wd := t.Weekday()
	y, m, _ := t.Date()
	hh, mm, ss := t.Clock()

	first := time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := first.Date()
	d := daysIn(ty, tm, t.Location())
	for time.Date(ty, tm, d, 0, 0, 0, 0, t.Location()).Weekday() != wd {
		d--
	}
	return time.Date(ty, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
