// Package period derives the trailing window of monthly periods a sync run covers.
package period

import (
	"errors"
	"fmt"
	"time"
)

// stepDays is the fixed decrement between window entries. It approximates one month, so
// long windows can repeat or skip a calendar month; callers rely on that exact sequence
// because it determines which storage keys a run checks.
const stepDays = 30

var ErrInvalidWindow = errors.New("window size must be positive")

// Period is one calendar year-month unit of ingestion.
type Period struct {
	Year  int
	Month time.Month
}

func Of(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String returns the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Compare returns -1, 0 or +1 depending on whether p is before, equal to or after o.
func (p Period) Compare(o Period) int {
	switch {
	case p.Year < o.Year:
		return -1
	case p.Year > o.Year:
		return 1
	case p.Month < o.Month:
		return -1
	case p.Month > o.Month:
		return 1
	}
	return 0
}

func (p Period) Before(o Period) bool {
	return p.Compare(o) < 0
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

type WindowOptions struct {
	// IncludeReferenceMonth starts the window at the reference month itself instead of
	// the month before it.
	IncludeReferenceMonth bool
}

// Window returns size periods, newest first. Entry i is the month of the date lying
// 30*i days before the first day of reference's month, with i starting at 1 (or 0 when
// IncludeReferenceMonth is set). Duplicates produced by the approximation are kept.
func Window(reference time.Time, size int, opts WindowOptions) ([]Period, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWindow, size)
	}

	anchor := time.Date(reference.Year(), reference.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := 1
	if opts.IncludeReferenceMonth {
		start = 0
	}

	periods := make([]Period, 0, size)
	for i := start; i < start+size; i++ {
		periods = append(periods, Of(anchor.AddDate(0, 0, -stepDays*i)))
	}
	return periods, nil
}
