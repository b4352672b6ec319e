package generic

import (
	"strconv"
	"time"
)

// =============================================================================
// PERIOD - The accounting window for cashback and statements
// =============================================================================

// Period is a half-open time window [Start, End). Cashback is computed per
// calendar year; statements may ask for any window.
type Period struct {
	Start time.Time
	End   time.Time
}

// CalendarYear returns Jan 1 00:00 UTC of year up to Jan 1 of the next year.
func CalendarYear(year int) Period {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(1, 0, 0)}
}

// Contains reports whether t falls within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Year is the calendar year the period starts in.
func (p Period) Year() int { return p.Start.Year() }

// Closed reports whether the whole period lies before now.
func (p Period) Closed(now time.Time) bool { return !now.Before(p.End) }

func (p Period) Next() Period     { return CalendarYear(p.Year() + 1) }
func (p Period) Previous() Period { return CalendarYear(p.Year() - 1) }

// String renders calendar years as "2025" and other windows as
// "[start, end)".
func (p Period) String() string {
	if p == CalendarYear(p.Year()) {
		return strconv.Itoa(p.Year())
	}
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}
