package strategy

import "time"

// Session describes the trading day in UTC hours.
type Session struct {
	StartHour int
	EndHour   int
}

// WindowStart walks a lookback window of hours+minutes back from end while
// respecting session boundaries. If end is at least the window past session
// start, the window is subtracted directly. If end is inside the session but
// closer to its start than the window, the remainder rolls back into the
// previous trading day, anchored at that day's session end (minute 50);
// Monday rolls back three days to land on Friday. Outside the session the
// end time is returned unchanged.
//
// The frequency filters depend on this exact arithmetic: it decides which
// historical cross events fall inside each counting window.
func (s Session) WindowStart(end time.Time, hours, minutes int) time.Time {
	window := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute

	switch {
	case end.Hour() >= s.StartHour+hours:
		return end.Add(-window)

	case s.StartHour <= end.Hour() && end.Hour() <= s.EndHour:
		deficit := time.Duration(s.StartHour+hours-end.Hour())*time.Hour +
			time.Duration(minutes)*time.Minute
		deltaDays := 1
		if end.Weekday() == time.Monday {
			deltaDays = 3
		}
		prev := end.AddDate(0, 0, -deltaDays)
		anchor := time.Date(prev.Year(), prev.Month(), prev.Day(),
			s.EndHour, 50, prev.Second(), prev.Nanosecond(), prev.Location())
		return anchor.Add(-deficit)

	default:
		return end
	}
}
