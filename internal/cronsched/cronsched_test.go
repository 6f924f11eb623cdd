package cronsched

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, text string) *Schedule {
	t.Helper()
	s, errs := Parse(text)
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	return s
}

func TestParseRejectsBadCommand(t *testing.T) {
	_, errs := Parse("* * * * * FROBNICATE thing\n")
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
}

func TestParseValidRowsSurviveAlongsideBad(t *testing.T) {
	s, errs := Parse("* * * * * PLUGIN Foo bar\nnope\n0 12 * * * SCRIPT /bin/true\n")
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if len(s.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(s.Entries))
	}
}

func TestParseExtractsOptionalParams(t *testing.T) {
	s := mustParse(t, "* * * * * SCRIPT /bin/true max_runtime_minutes=5 backward_tolerance_minutes=10\n")
	e := s.Entries[0]
	if !e.HasMaxRuntime || e.MaxRuntimeMinutes != 5 {
		t.Fatalf("max runtime not parsed: %+v", e)
	}
	if !e.HasBackwardTolerance || e.BackwardToleranceMinutes != 10 {
		t.Fatalf("backward tolerance not parsed: %+v", e)
	}
}

func TestStep60Rejected(t *testing.T) {
	_, errs := Parse("*/60 * * * * SCRIPT /bin/true\n")
	if len(errs) != 1 {
		t.Fatalf("expected */60 to be rejected, got %v", errs)
	}
}

func TestOutOfRangeRejected(t *testing.T) {
	_, errs := Parse("0 25 * * * SCRIPT /bin/true\n")
	if len(errs) != 1 {
		t.Fatalf("expected hour=25 to be rejected, got %v", errs)
	}
}

func TestGetNextSchedulesSimple(t *testing.T) {
	s := mustParse(t, "30 12 * * * SCRIPT /bin/true\n")
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	es, errs := GetNextSchedules(s, now, false)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(es) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(es))
	}
	want := time.Date(2026, 7, 30, 12, 30, 0, 0, time.UTC)
	got, _ := nextFireAfter(es[0], now)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestGetNextSchedulesTieBreak(t *testing.T) {
	s := mustParse(t, "0 12 * * * PLUGIN P x\n0 12 * * * SCRIPT /bin/true\n")
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	es, _ := GetNextSchedules(s, now, false)
	if len(es) != 2 {
		t.Fatalf("expected both entries at the same instant, got %d", len(es))
	}
}

func TestDomDowIntersection(t *testing.T) {
	// 2026-07-30 is a Thursday (dow=4). A row requiring dom=31 AND dow=1
	// (Monday) should never fire on 2026-07-30, and should skip forward to
	// the first day that is both the 31st and a Monday.
	s := mustParse(t, "0 0 31 * 1 SCRIPT /bin/true\n")
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	got, ok := nextFireAfter(s.Entries[0], now)
	if !ok {
		t.Fatalf("expected a fire instant within lookahead")
	}
	if got.Day() != 31 || got.Weekday() != time.Monday {
		t.Fatalf("intersection violated: got %v (weekday %v)", got, got.Weekday())
	}
}

func TestDom31SkipsShortMonth(t *testing.T) {
	// April has 30 days; dom=31 must not fire in April, landing on the next
	// month that has a 31st (May).
	s := mustParse(t, "0 0 31 * * SCRIPT /bin/true\n")
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, ok := nextFireAfter(s.Entries[0], now)
	if !ok {
		t.Fatalf("expected a fire instant")
	}
	if got.Month() != time.May || got.Day() != 31 {
		t.Fatalf("expected May 31, got %v", got)
	}
}

func TestLookBackwardRecoversMissedFire(t *testing.T) {
	s := mustParse(t, "0 12 * * * SCRIPT /bin/true backward_tolerance_minutes=90\n")
	// Now is 13:00; the fire at 12:00 is within the 90-minute tolerance.
	now := time.Date(2026, 7, 30, 13, 0, 0, 0, time.UTC)
	es, _ := GetNextSchedules(s, now, true)
	if len(es) == 0 {
		t.Fatalf("expected the missed 12:00 fire to be recovered")
	}
}

func TestLookBackwardFalseOmitsMissedFire(t *testing.T) {
	s := mustParse(t, "0 12 * * * SCRIPT /bin/true backward_tolerance_minutes=90\n")
	now := time.Date(2026, 7, 30, 13, 0, 0, 0, time.UTC)
	es, _ := GetNextSchedules(s, now, false)
	for _, e := range es {
		got, _ := nextFireAfter(e, now)
		if got.Before(now) {
			t.Fatalf("entry fired before now without lookBackward: %v", got)
		}
	}
}

func TestRenderRoundTrip(t *testing.T) {
	text := "30 12 * * * SCRIPT /bin/true\n"
	s := mustParse(t, text)
	if s.RenderText() != text {
		t.Fatalf("round trip mismatch: got %q want %q", s.RenderText(), text)
	}
}

func TestEmptyScheduleUnsatisfiable(t *testing.T) {
	s := mustParse(t, "0 0 30 2 * SCRIPT /bin/true\n") // Feb 30th never exists
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	es, _ := GetNextSchedules(s, now, false)
	if len(es) != 0 {
		t.Fatalf("expected no entries for an unsatisfiable row, got %d", len(es))
	}
}
