// Package hours implements the business-hours adjustment used by the
// follow-up scheduler. Given a candidate send time and an organization's
// working window, Adjust shifts the candidate forward to the next moment that
// falls inside the window. The function is pure: no clock reads, no side
// effects, so every hour/weekday boundary can be tested exhaustively.
//
// Only a weekday set and an hour range are modeled. Holidays and per-day
// exceptions are not; candidates on a holiday that is an eligible weekday are
// treated as any other working day.
package hours

import "time"

// maxRolloverDays bounds the day-by-day scan for the next eligible weekday.
// Seven days covers every reachable weekday; the extra day absorbs the
// same-week wraparound before the guard trips.
const maxRolloverDays = 8

// Window describes an organization's working window. Hours are in the
// candidate's location, 0-23, with StartHour inclusive and EndHour exclusive:
// a candidate at exactly EndHour rolls to the next eligible day.
type Window struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Days      map[time.Weekday]bool
}

// Valid reports whether the window is internally consistent. Scheduling
// callers reject invalid windows up front; Adjust additionally degrades to a
// no-op on them so a bad config can never wedge delivery.
func (w Window) Valid() bool {
	if !w.Enabled {
		return true
	}
	if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return false
	}
	for d, ok := range w.Days {
		if ok && d >= time.Sunday && d <= time.Saturday {
			return true
		}
	}
	return false
}

// Adjust returns the next timestamp at or after candidate that falls inside
// the window. Candidates already inside the window are returned unchanged, so
// Adjust(Adjust(t)) == Adjust(t) for any t.
//
// Resolution rules, applied per day until one sticks:
//   - day not eligible, or hour at/after EndHour: next day at StartHour
//   - hour before StartHour on an eligible day: same day at StartHour
//   - otherwise: candidate is valid
func Adjust(candidate time.Time, w Window) time.Time {
	if !w.Enabled {
		return candidate
	}
	if !w.Valid() {
		// Degenerate config (no eligible day or inverted hours). There is no
		// valid moment to roll to; returning the candidate keeps the queue
		// moving and the config validation layer owns surfacing the problem.
		return candidate
	}

	t := candidate
	for i := 0; i < maxRolloverDays; i++ {
		if !w.Days[t.Weekday()] || t.Hour() >= w.EndHour {
			t = startOfNextDay(t, w.StartHour)
			continue
		}
		if t.Hour() < w.StartHour {
			return time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, 0, 0, 0, t.Location())
		}
		return t
	}
	return candidate
}

// startOfNextDay returns startHour o'clock on the calendar day after t.
func startOfNextDay(t time.Time, startHour int) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), startHour, 0, 0, 0, t.Location())
}
