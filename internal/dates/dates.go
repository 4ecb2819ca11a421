// Package dates holds the small calendar helpers shared by ingestion and the
// query layer. All dates are normalized to UTC midnight; the wire format for a
// day is DayFormat.
package dates

import (
	"fmt"
	"time"
)

// DayFormat is the canonical textual form of a rate date.
const DayFormat = "2006-01-02"

// Range is an inclusive day range.
type Range struct {
	Start time.Time
	End   time.Time
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Today returns the current UTC day.
func Today() time.Time {
	return Day(time.Now().UTC())
}

// ParseDay parses a YYYY-MM-DD string into a UTC day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Day(t), nil
}

// FormatDay renders t in the canonical YYYY-MM-DD form.
func FormatDay(t time.Time) string {
	return t.Format(DayFormat)
}

// EndOfMonth returns the last day of t's month.
func EndOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1)
}

// MonthRanges splits [start, end] into calendar-month aligned chunks. The
// first chunk starts at start, the last ends at end, and every boundary in
// between falls on a month edge.
func MonthRanges(start, end time.Time) ([]Range, error) {
	start, end = Day(start), Day(end)
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", FormatDay(start), FormatDay(end))
	}
	var out []Range
	cur := start
	for !cur.After(end) {
		chunkEnd := EndOfMonth(cur)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		out = append(out, Range{Start: cur, End: chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return out, nil
}

// SplitRanges splits [start, end] into windows of at most windowDays days.
func SplitRanges(start, end time.Time, windowDays int) ([]Range, error) {
	start, end = Day(start), Day(end)
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", FormatDay(start), FormatDay(end))
	}
	if windowDays < 1 {
		return nil, fmt.Errorf("window must be at least one day, got %d", windowDays)
	}
	var out []Range
	cur := start
	for !cur.After(end) {
		chunkEnd := cur.AddDate(0, 0, windowDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		out = append(out, Range{Start: cur, End: chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return out, nil
}
