// Package window computes the bounded date range a sync pass considers.
// Constraining each run to a window keeps historical backlog and far-future
// noise from dominating provider listings.
package window

import (
	"fmt"
	"time"
)

// Window is the inclusive date range for one sync pass, with an optional cap
// on the number of rows a listing may return.
type Window struct {
	// Start is 00:00:00 on the first day of the window.
	Start time.Time

	// End is 23:59:59 on the last day of the window.
	End time.Time

	// Limit caps listing size. Zero means unlimited.
	Limit int
}

// ForSyncWindows builds the window [today − pastDays @ 00:00:00,
// today + futureDays @ 23:59:59] in today's location. pastDays must be ≥ 0
// and futureDays > 0; limit < 0 is rejected.
func ForSyncWindows(today time.Time, pastDays, futureDays, limit int) (Window, error) {
	if pastDays < 0 {
		return Window{}, fmt.Errorf("pastDays must not be negative, got %d", pastDays)
	}
	if futureDays <= 0 {
		return Window{}, fmt.Errorf("futureDays must be positive, got %d", futureDays)
	}
	if limit < 0 {
		return Window{}, fmt.Errorf("limit must not be negative, got %d", limit)
	}

	y, m, d := today.Date()
	loc := today.Location()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, -pastDays)
	end := time.Date(y, m, d, 23, 59, 59, 0, loc).AddDate(0, 0, futureDays)

	return Window{Start: start, End: end, Limit: limit}, nil
}

// Contains reports whether t falls inside the window (inclusive bounds).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
