// Package recurrence turns schedules into queued jobs over time.
package recurrence

import (
	"time"

	"sefaz-fila/internal/models"
)

// Next computes where a schedule moves after the occurrence at prev fires.
//
// once schedules deactivate. The others step from prev (never from now) on the
// wall clock of loc, so a 09:00 daily run stays at 09:00 across offset changes.
// Monthly steps keep the day of anchor and clamp it to the length of shorter
// months. Steps repeat while the result is earlier than now+minLead, so
// occurrences missed during downtime collapse into the next future one.
func Next(rec models.Recurrence, anchor, prev, now time.Time, minLead time.Duration, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	floor := now.Add(minLead)

	switch rec {
	case models.RecurrenceDaily, models.RecurrenceWeekly:
		days := 1
		if rec == models.RecurrenceWeekly {
			days = 7
		}
		next := prev.In(loc)
		for {
			next = next.AddDate(0, 0, days)
			if !next.Before(floor) {
				return next.UTC(), true
			}
		}
	case models.RecurrenceMonthly:
		a := anchor.In(loc)
		p := prev.In(loc)
		step := (p.Year()-a.Year())*12 + int(p.Month()-a.Month())
		for {
			step++
			next := addMonthsClamped(a, step)
			if !next.Before(floor) {
				return next.UTC(), true
			}
		}
	default:
		return prev.UTC(), false
	}
}

// addMonthsClamped moves t forward by n calendar months, keeping its day when
// the target month is long enough and using the month's last day otherwise.
func addMonthsClamped(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	day := t.Day()
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, loc).Day()
}
