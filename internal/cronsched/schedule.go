package cronsched

import "strings"

// RenderText reconstructs the schedule's full raw text, one entry per line,
// the inverse of Parse used to persist and to echo schedules back to GSN.
func (s *Schedule) RenderText() string {
	var b strings.Builder
	for _, e := range s.Entries {
		b.WriteString(e.Render())
		b.WriteByte('\n')
	}
	return b.String()
}

// Clone returns a shallow copy of the schedule's entry slice so callers can
// build a merged schedule without mutating the original.
func (s *Schedule) Clone() *Schedule {
	c := &Schedule{CreationTimeMS: s.CreationTimeMS}
	c.Entries = append(c.Entries, s.Entries...)
	return c
}
