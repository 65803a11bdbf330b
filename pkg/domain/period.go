package domain

import "time"

// Period boundaries are UTC: a day starts at 00:00:00Z, a month on day 1
// at 00:00:00Z. All usage accounting and quota reads key off these.

// DayStart truncates t to the start of its UTC day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart truncates t to the start of its UTC month.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodStart returns the start of t's period for the given type.
func PeriodStart(pt PeriodType, t time.Time) time.Time {
	if pt == PeriodMonthly {
		return MonthStart(t)
	}
	return DayStart(t)
}

// DayKey formats t's UTC day as YYYY-MM-DD, the bucket used for per-model
// KV aggregates.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey formats t's UTC month as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Conservative KV TTLs for period-scoped counters: strictly longer than
// the period so a counter never outlives two windows unobserved.
const (
	DailyCounterTTL   = 25 * time.Hour
	MonthlyCounterTTL = 32 * 24 * time.Hour
)
