package tos

import "time"

// ServiceWindow is a scheduled maintenance wake-up interval reserved for
// operator maintenance. Its interval arithmetic is adapted from the
// original tool's Period type, which modeled eclipse/SAA crossing windows
// with the same Starts/Ends/Duration/Contains/Overlaps shape; here it
// tracks duty-cycle service windows instead of orbital geometry.
type ServiceWindow struct {
	Starts, Ends time.Time
}

func (w ServiceWindow) Duration() time.Duration {
	return w.Ends.Sub(w.Starts)
}

func (w ServiceWindow) IsZero() bool {
	return w.Starts.IsZero() && w.Ends.IsZero()
}

func (w ServiceWindow) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	return !t.Before(w.Starts) && t.Before(w.Ends)
}

func (w ServiceWindow) Overlaps(o ServiceWindow) bool {
	return !(o.Starts.After(w.Ends) || o.Ends.Before(w.Starts))
}

// SecondsUntil returns the number of whole seconds from now until the
// window starts (0 if already open or in the past), the argument shape
// SERVICE_WINDOW expects.
func (w ServiceWindow) SecondsUntil(now time.Time) uint32 {
	if w.IsZero() || !w.Starts.After(now) {
		return 0
	}
	d := w.Starts.Sub(now)
	return uint32(d / time.Second)
}
