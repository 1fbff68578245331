// Package schedule computes daily run boundaries for the discovery planner.
//
// Discovery runs once per UTC day at a configured hour. The quota ledger and
// the spend ledger reset on the same UTC day boundary, so all helpers here
// work in UTC regardless of the host timezone.
package schedule

import (
	"errors"
	"time"
)

const (
	maxHour = 23
)

// ErrHourOutOfRange is returned for hours outside 0..23.
var ErrHourOutOfRange = errors.New("hour out of range")

// ValidateHour checks that hour is a valid UTC hour of day.
func ValidateHour(hour int) error {
	if hour < 0 || hour > maxHour {
		return ErrHourOutOfRange
	}

	return nil
}

// NextRun returns the next occurrence of hour:00 UTC strictly after now.
func NextRun(now time.Time, hour int) time.Time {
	nowUTC := now.UTC()

	run := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), hour, 0, 0, 0, time.UTC)
	if !run.After(nowUTC) {
		run = run.AddDate(0, 0, 1)
	}

	return run
}

// PreviousRun returns the latest occurrence of hour:00 UTC at or before now.
func PreviousRun(now time.Time, hour int) time.Time {
	nowUTC := now.UTC()

	run := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), hour, 0, 0, 0, time.UTC)
	if run.After(nowUTC) {
		run = run.AddDate(0, 0, -1)
	}

	return run
}

// UTCDay truncates t to its UTC calendar day.
func UTCDay(t time.Time) time.Time {
	u := t.UTC()

	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	return UTCDay(a).Equal(UTCDay(b))
}
