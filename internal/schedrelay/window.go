package schedrelay

import (
	"fmt"
	"regexp"
	"time"
)

var monthKeyPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// Window is the half-open date interval [Start, End) covering one
// calendar month.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// WindowFor maps a YYYY-MM month key to its calendar window. The source
// stores absolute timestamps; no timezone conversion happens here, so the
// window is anchored in UTC and compared against the source's own values.
func WindowFor(monthKey string) (Window, error) {
	match := monthKeyPattern.FindStringSubmatch(monthKey)
	if match == nil {
		return Window{}, fmt.Errorf("%w: month key %q (want YYYY-MM)", ErrInvalidInput, monthKey)
	}
	var year, month int
	if _, err := fmt.Sscanf(monthKey, "%d-%d", &year, &month); err != nil {
		return Window{}, fmt.Errorf("%w: month key %q", ErrInvalidInput, monthKey)
	}
	if month < 1 || month > 12 {
		return Window{}, fmt.Errorf("%w: month key %q has month out of range", ErrInvalidInput, monthKey)
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 1, 0)}, nil
}

// MonthKey formats t's year and month as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// ShiftMonthKey returns the month key delta months away from monthKey.
func ShiftMonthKey(monthKey string, delta int) (string, error) {
	w, err := WindowFor(monthKey)
	if err != nil {
		return "", err
	}
	return MonthKey(w.Start.AddDate(0, delta, 0)), nil
}

// MonthTitle renders a month key as a long month name plus year, e.g.
// "September 2026".
func MonthTitle(monthKey string) (string, error) {
	w, err := WindowFor(monthKey)
	if err != nil {
		return "", err
	}
	return w.Start.Format("January 2006"), nil
}
