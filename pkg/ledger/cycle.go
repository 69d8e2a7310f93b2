package ledger

import (
	"fmt"
	"time"
)

// MonthBounds returns the calendar month containing asOf as [start, end) in UTC.
// start is the first day of the month at 00:00 and end is the first day of the
// following month.
//
// For example, asOf = 2024-02-29 13:00 gives
//   - start: 2024-02-01 00:00
//   - end:   2024-03-01 00:00
func MonthBounds(asOf time.Time) (start, end time.Time) {
	start = monthStartUTC(asOf)
	// day=1 never overflows, so month+1 normalizes December into January of the next year.
	end = time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return start, end
}

// CycleStart returns the free-credit cycle anchor for asOf: the start of its calendar month.
func CycleStart(asOf time.Time) time.Time {
	return monthStartUTC(asOf)
}

// ParseMonth parses a "YYYY-MM" string and returns the first instant of that month in UTC.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidRequest)
	}
	return t, nil
}

func monthStartUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, time.UTC)
}
