package cronsched

import "time"

// maxLookahead bounds how far into the future getNextSchedules searches for
// a fire instant before giving up and treating the entry as unsatisfiable.
const maxLookahead = 4 * 365 * 24 * time.Hour

// domDowMatches applies the day-of-month and day-of-week filters to day as
// an intersection, not the standard cron union: both must match. Day of
// week 7 is accepted as a synonym for 0 (Sunday).
func domDowMatches(e *Entry, day time.Time) bool {
	if !e.Dom.matches(day.Day()) {
		return false
	}
	wd := int(day.Weekday())
	if e.Dow.matches(wd) {
		return true
	}
	if wd == 0 && e.Dow.matches(7) {
		return true
	}
	return false
}

func matchesInstant(e *Entry, t time.Time) bool {
	if !e.Month.matches(int(t.Month())) {
		return false
	}
	if !domDowMatches(e, t) {
		return false
	}
	if !e.Hour.matches(t.Hour()) {
		return false
	}
	return e.Minute.matches(t.Minute())
}

// nextFireAfter enumerates month -> day-of-month (intersected with
// day-of-week) -> hour -> minute, advancing the year on exhaustion, and
// returns the earliest instant strictly after now, bounded by maxLookahead.
func nextFireAfter(e *Entry, now time.Time) (time.Time, bool) {
	loc := now.Location()
	limit := now.Add(maxLookahead)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	for !day.After(limit) {
		if e.Month.matches(int(day.Month())) && domDowMatches(e, day) {
			for hour := 0; hour <= 23; hour++ {
				if !e.Hour.matches(hour) {
					continue
				}
				for minute := 0; minute <= 59; minute++ {
					if !e.Minute.matches(minute) {
						continue
					}
					candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
					if candidate.After(now) {
						return candidate, true
					}
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// prevFireAtOrBefore scans backward from now minute-by-minute (inclusive of
// now) down to the backward-tolerance horizon, returning the most recent
// matching instant, if any.
func prevFireAtOrBefore(e *Entry, now time.Time, tolerance time.Duration) (time.Time, bool) {
	t := now.Truncate(time.Minute)
	earliest := now.Add(-tolerance)
	for !t.Before(earliest) {
		if matchesInstant(e, t) {
			return t, true
		}
		t = t.Add(-time.Minute)
	}
	return time.Time{}, false
}

// NextFireTime reports the next instant strictly after now at which e
// fires, for callers (such as the schedule handler's sleep calculation)
// that need the fire time rather than just the matching entry.
func NextFireTime(e *Entry, now time.Time) (time.Time, bool) {
	return nextFireAfter(e, now)
}

// RecoverMissed returns every entry whose backward-tolerance window
// contains now but whose fire instant was strictly before now — fires that
// were missed (agent was down, clock jumped, etc.) but are still within
// their tolerance for a late run.
func RecoverMissed(s *Schedule, now time.Time) []*Entry {
	var missed []*Entry
	for _, e := range s.Entries {
		if !e.HasBackwardTolerance || e.BackwardToleranceMinutes <= 0 {
			continue
		}
		tolerance := time.Duration(e.BackwardToleranceMinutes) * time.Minute
		t, ok := prevFireAtOrBefore(e, now, tolerance)
		if !ok {
			continue
		}
		if t.Before(now) {
			missed = append(missed, e)
		}
	}
	return missed
}

// GetNextSchedules returns the set of entries that next fire at the same
// earliest instant strictly after now (ties kept together), plus, when
// lookBackward is true, any entries whose backward-tolerance window
// contains now but whose fire instant was strictly before now (recoverable
// missed fires). Forward entries always come last, so callers that need a
// single representative fire time can use the final element.
func GetNextSchedules(s *Schedule, now time.Time, lookBackward bool) ([]*Entry, []error) {
	var (
		best     time.Time
		haveBest bool
		forward  []*Entry
	)
	for _, e := range s.Entries {
		t, ok := nextFireAfter(e, now)
		if !ok {
			continue
		}
		switch {
		case !haveBest || t.Before(best):
			best, haveBest = t, true
			forward = []*Entry{e}
		case t.Equal(best):
			forward = append(forward, e)
		}
	}

	var missed []*Entry
	if lookBackward {
		missed = RecoverMissed(s, now)
	}

	return append(missed, forward...), nil
}
