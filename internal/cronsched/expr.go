package cronsched

import (
	"fmt"
	"strconv"
	"strings"
)

// fieldRange describes the admissible [min, max] for one of the five time
// fields, used both to sanity-check parsed expressions and to iterate
// candidate values during evaluation.
type fieldRange struct {
	min, max int
}

var (
	minuteRange = fieldRange{0, 59}
	hourRange   = fieldRange{0, 23}
	domRange    = fieldRange{1, 31}
	monthRange  = fieldRange{1, 12}
	dowRange    = fieldRange{0, 7}
)

// expr is one sub-expression within a field: an atom, a range, a step, or a
// wildcard. Every sub-expression is checked against the field's admissible
// range independently during sanity-check (endpoints, not only atoms).
type expr interface {
	matches(v int) bool
	// endpoints returns the boundary values of this expression (the atom
	// itself, or the low and high ends of a range or wildcard), for
	// range-validation purposes.
	endpoints() []int
	render() string
}

type atomExpr struct{ v int }

func (a atomExpr) matches(v int) bool { return v == a.v }
func (a atomExpr) endpoints() []int   { return []int{a.v} }
func (a atomExpr) render() string     { return strconv.Itoa(a.v) }

type wildcardExpr struct{ r fieldRange }

func (w wildcardExpr) matches(v int) bool { return v >= w.r.min && v <= w.r.max }
func (w wildcardExpr) endpoints() []int   { return []int{w.r.min, w.r.max} }
func (w wildcardExpr) render() string     { return "*" }

type rangeExpr struct{ lo, hi int }

func (r rangeExpr) matches(v int) bool { return v >= r.lo && v <= r.hi }
func (r rangeExpr) endpoints() []int   { return []int{r.lo, r.hi} }
func (r rangeExpr) render() string     { return fmt.Sprintf("%d-%d", r.lo, r.hi) }

type stepExpr struct {
	base fieldRange // the range the step is taken over: "*" or "a-b"
	n    int
}

func (s stepExpr) matches(v int) bool {
	if v < s.base.min || v > s.base.max {
		return false
	}
	return (v-s.base.min)%s.n == 0
}
func (s stepExpr) endpoints() []int { return []int{s.base.min, s.base.max, s.n} }
func (s stepExpr) render() string {
	base := "*"
	if s.base.min != 0 || s.base.max != 59 {
		base = fmt.Sprintf("%d-%d", s.base.min, s.base.max)
	}
	return fmt.Sprintf("%s/%d", base, s.n)
}

// parseField parses a single comma-separated cron field, e.g. "*/15",
// "1-5", "0,30", "*".
func parseField(s string, r fieldRange) (field, error) {
	var f field
	for _, part := range strings.Split(s, ",") {
		e, err := parseSubExpr(part, r)
		if err != nil {
			return f, err
		}
		if err := checkEndpoints(e, r); err != nil {
			return f, err
		}
		f.exprs = append(f.exprs, e)
	}
	return f, nil
}

func checkEndpoints(e expr, r fieldRange) error {
	if se, ok := e.(stepExpr); ok {
		if se.n <= 0 {
			return fmt.Errorf("step must be positive, got %d", se.n)
		}
		if se.base.min < r.min || se.base.max > r.max {
			return fmt.Errorf("base range [%d,%d] out of range [%d,%d]", se.base.min, se.base.max, r.min, r.max)
		}
		span := se.base.max - se.base.min + 1
		if se.n >= span {
			return fmt.Errorf("step %d has no effect over range of size %d", se.n, span)
		}
		return nil
	}
	for _, v := range e.endpoints() {
		if v < r.min || v > r.max {
			return fmt.Errorf("value %d out of range [%d,%d]", v, r.min, r.max)
		}
	}
	return nil
}

func parseSubExpr(s string, r fieldRange) (expr, error) {
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		basePart, stepPart := s[:idx], s[idx+1:]
		n, err := strconv.Atoi(stepPart)
		if err != nil {
			return nil, fmt.Errorf("bad step %q: %w", stepPart, err)
		}
		base := r
		if basePart != "*" {
			lo, hi, err := parseRangeBounds(basePart)
			if err != nil {
				return nil, err
			}
			base = fieldRange{lo, hi}
		}
		return stepExpr{base: base, n: n}, nil
	}
	if s == "*" {
		return wildcardExpr{r: r}, nil
	}
	if strings.Contains(s, "-") {
		lo, hi, err := parseRangeBounds(s)
		if err != nil {
			return nil, err
		}
		return rangeExpr{lo: lo, hi: hi}, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("bad atom %q: %w", s, err)
	}
	return atomExpr{v: v}, nil
}

func parseRangeBounds(s string) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	lo, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad range lower bound %q: %w", parts[0], err)
	}
	hi, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad range upper bound %q: %w", parts[1], err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range %q has lower bound after upper bound", s)
	}
	return lo, hi, nil
}
