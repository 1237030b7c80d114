package filter

import (
	"fmt"
	"strings"
	"time"
)

// Accepted --start-date/--end-date layouts, tried in order. MM/DD/YYYY wins
// over DD/MM/YYYY when both parse.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02/01/2006",
}

// ParseDate parses a calendar date in one of YYYY-MM-DD, YYYY/MM/DD,
// MM/DD/YYYY or DD/MM/YYYY. The result is midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date %q (use YYYY-MM-DD, YYYY/MM/DD, MM/DD/YYYY or DD/MM/YYYY)", s)
}

// DateRange keeps messages whose date falls within [Start, End]. A zero bound
// is open. End is inclusive of the whole day when it has no time component.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange parses start and end (either may be empty).
func NewDateRange(start, end string) (DateRange, error) {
	var r DateRange
	var err error
	if strings.TrimSpace(start) != "" {
		if r.Start, err = ParseDate(start); err != nil {
			return DateRange{}, fmt.Errorf("start date: %w", err)
		}
	}
	if strings.TrimSpace(end) != "" {
		if r.End, err = ParseDate(end); err != nil {
			return DateRange{}, fmt.Errorf("end date: %w", err)
		}
		r.End = r.End.Add(24*time.Hour - time.Nanosecond)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
		return DateRange{}, fmt.Errorf("start date %s is after end date %s", start, end)
	}
	return r, nil
}

// IsZero reports whether the range has no bounds.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether date lies inside the range. Messages without a
// date always pass.
func (r DateRange) Contains(date *time.Time) bool {
	if date == nil || r.IsZero() {
		return true
	}
	if !r.Start.IsZero() && date.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && date.After(r.End) {
		return false
	}
	return true
}

func (r DateRange) String() string {
	if r.IsZero() {
		return "all dates"
	}
	from, to := "beginning", "end"
	if !r.Start.IsZero() {
		from = r.Start.Format("2006-01-02")
	}
	if !r.End.IsZero() {
		to = r.End.Format("2006-01-02")
	}
	return from + " to " + to
}
