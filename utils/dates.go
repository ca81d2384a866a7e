// utils/dates.go
package utils

import "time"

const DateKeyLayout = "2006-01-02"

// DaysBetween counts calendar days from start to end in their own zones.
// Days shortened or stretched by DST still count as one.
func DaysBetween(start, end time.Time) int {
	return int(civilDay(end).Sub(civilDay(start)).Hours() / 24)
}

func civilDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateKey identifies the calendar day of t as seen in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyLayout)
}
