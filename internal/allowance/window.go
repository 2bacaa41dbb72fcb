// Package allowance splits a billing period into monthly allowance windows
// anchored at the period start.
package allowance

import "time"

// Window is a half-open interval [Start, End) in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Current returns the allowance window of [periodStart, periodEnd) that
// contains ref. ok is false when either bound is missing or the period is
// empty or inverted.
//
// ref is clamped into the period first, so a stale or future reference
// still yields a window inside it. Starting from periodStart the anchor
// advances one calendar month at a time while the next anchor is before
// periodEnd and not after ref. The window runs from the anchor to one month
// later, cut at periodEnd.
func Current(periodStart, periodEnd *time.Time, ref time.Time) (w Window, ok bool) {
	start, end, ok := bounds(periodStart, periodEnd)
	if !ok {
		return Window{}, false
	}

	r := ref.UTC()
	if r.Before(start) {
		r = start
	}
	if !r.Before(end) {
		r = end.Add(-time.Nanosecond)
	}

	anchor := start
	for {
		next := AddMonth(anchor)
		if !next.Before(end) || next.After(r) {
			break
		}
		anchor = next
	}

	return Window{Start: anchor, End: minTime(AddMonth(anchor), end)}, true
}

// Tile returns every allowance window of the period in order. The windows
// cover [periodStart, periodEnd) without gaps or overlaps.
func Tile(periodStart, periodEnd *time.Time) []Window {
	start, end, ok := bounds(periodStart, periodEnd)
	if !ok {
		return nil
	}

	var out []Window
	for anchor := start; anchor.Before(end); anchor = AddMonth(anchor) {
		out = append(out, Window{Start: anchor, End: minTime(AddMonth(anchor), end)})
	}
	return out
}

// AddMonth moves t one calendar month forward in UTC, keeping the day of
// month and time of day. Days past the end of the target month clamp to its
// last day, so Jan 31 becomes Feb 28 or Feb 29.
func AddMonth(t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()

	// Day 1 never overflows, so this normalizes December into January.
	target := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func bounds(periodStart, periodEnd *time.Time) (start, end time.Time, ok bool) {
	if periodStart == nil || periodEnd == nil {
		return time.Time{}, time.Time{}, false
	}
	start, end = periodStart.UTC(), periodEnd.UTC()
	if !start.Before(end) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
