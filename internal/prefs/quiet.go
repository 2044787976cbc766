package prefs

import "time"

// InQuietWindow reports whether now's time-of-day falls inside the
// [start, end) quiet window. If either bound is unset there is no window.
//
// Two shapes:
//   - start < end: same-day window, in iff start <= now < end
//   - start >= end: window spans midnight (e.g. 23:00 -> 06:00),
//     in iff now >= start || now < end
func InQuietWindow(start, end *ClockTime, now time.Time) bool {
	if start == nil || end == nil {
		return false
	}
	s := start.DaySeconds()
	e := end.DaySeconds()
	n := now.Hour()*3600 + now.Minute()*60 + now.Second()

	if s < e {
		return n >= s && n < e
	}
	return n >= s || n < e
}
