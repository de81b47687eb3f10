package model

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

const (
	// DefaultWindowDays is the trailing window synced when no dates are given.
	DefaultWindowDays = 30
	// MaxWindowDays bounds a single sync request.
	MaxWindowDays = 366
)

// DateRange is an inclusive range of UTC calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// DefaultRange returns the trailing DefaultWindowDays days ending today (UTC).
func DefaultRange(now time.Time) DateRange {
	end := Day(now)
	return DateRange{Start: end.AddDate(0, 0, -(DefaultWindowDays - 1)), End: end}
}

// ParseDateRange builds a range from optional YYYY-MM-DD strings.
// A missing end defaults to today, a missing start to the trailing window before end.
func ParseDateRange(start, end string, now time.Time) (DateRange, error) {
	r := DefaultRange(now)
	if end != "" {
		t, err := time.Parse(DateLayout, end)
		if err != nil {
			return DateRange{}, fmt.Errorf("end_date: %w", err)
		}
		r.End = t
		r.Start = t.AddDate(0, 0, -(DefaultWindowDays - 1))
	}
	if start != "" {
		t, err := time.Parse(DateLayout, start)
		if err != nil {
			return DateRange{}, fmt.Errorf("start_date: %w", err)
		}
		r.Start = t
	}
	return r, r.Validate()
}

// Validate checks ordering and span limits.
func (r DateRange) Validate() error {
	if r.Start.After(r.End) {
		return errors.New("start_date after end_date")
	}
	if r.Days() > MaxWindowDays {
		return fmt.Errorf("range exceeds %d days", MaxWindowDays)
	}
	return nil
}

// Days returns the number of calendar days in the range, inclusive.
func (r DateRange) Days() int {
	return int(Day(r.End).Sub(Day(r.Start)).Hours()/24) + 1
}

// Each calls fn for every day of the range in order.
func (r DateRange) Each(fn func(day time.Time)) {
	for d := Day(r.Start); !d.After(Day(r.End)); d = d.AddDate(0, 0, 1) {
		fn(d)
	}
}

// StartString formats the start day.
func (r DateRange) StartString() string { return r.Start.Format(DateLayout) }

// EndString formats the end day.
func (r DateRange) EndString() string { return r.End.Format(DateLayout) }

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
