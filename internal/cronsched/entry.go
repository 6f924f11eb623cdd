// Package cronsched implements the crontab-like schedule: parsing, sanity
// checking, and next-fire-time evaluation with the intersection (not union)
// day-of-month/day-of-week semantics pinned by the specification.
package cronsched

import (
	"fmt"
	"strings"
)

// Kind distinguishes a plugin invocation from a shell command.
type Kind int

const (
	Plugin Kind = iota
	Script
)

func (k Kind) String() string {
	if k == Plugin {
		return "PLUGIN"
	}
	return "SCRIPT"
}

// field is one of the five cron time fields, holding every comma-separated
// sub-expression (atom, range, step, or wildcard); the field matches a
// given value when any one of its sub-expressions matches it.
type field struct {
	exprs []expr
}

func (f field) matches(v int) bool {
	for _, e := range f.exprs {
		if e.matches(v) {
			return true
		}
	}
	return false
}

// Entry is a single fully-decomposed schedule row.
type Entry struct {
	Minute field
	Hour   field
	Dom    field
	Month  field
	Dow    field

	EntryKind Kind
	Plugin    string // Plugin class name, only set when EntryKind == Plugin
	Command   string // full command text (argv for SCRIPT, "class args..." for PLUGIN)

	BackwardToleranceMinutes int
	MaxRuntimeMinutes        int
	MinRuntimeMinutes        int
	HasBackwardTolerance     bool
	HasMaxRuntime            bool
	HasMinRuntime            bool

	// Raw is the original rendered text of the row, retained for
	// merge/echo so an unmodified entry round-trips byte for byte.
	Raw string
}

// PluginName reports the class name for PLUGIN entries, or "" for SCRIPT
// entries — used by the merge logic in the schedule handler.
func (e *Entry) PluginName() string {
	if e.EntryKind == Plugin {
		return e.Plugin
	}
	return ""
}

// Render reconstructs the textual row for an entry. If Raw is non-empty it
// is returned verbatim (the common "unmodified" path); otherwise the entry
// is printed fresh from its fields, used by the merge path in the schedule
// handler when synthesizing a new merged schedule text.
func (e *Entry) Render() string {
	if e.Raw != "" {
		return e.Raw
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s %s ", renderField(e.Minute), renderField(e.Hour), renderField(e.Dom), renderField(e.Month), renderField(e.Dow))
	if e.EntryKind == Plugin {
		fmt.Fprintf(&b, "PLUGIN %s", e.Plugin)
		if e.Command != "" {
			fmt.Fprintf(&b, " %s", e.Command)
		}
	} else {
		fmt.Fprintf(&b, "SCRIPT %s", e.Command)
	}
	if e.HasBackwardTolerance {
		fmt.Fprintf(&b, " backward_tolerance_minutes=%d", e.BackwardToleranceMinutes)
	}
	if e.HasMaxRuntime {
		fmt.Fprintf(&b, " max_runtime_minutes=%d", e.MaxRuntimeMinutes)
	}
	if e.HasMinRuntime {
		fmt.Fprintf(&b, " min_runtime_minutes=%d", e.MinRuntimeMinutes)
	}
	return b.String()
}

func renderField(f field) string {
	parts := make([]string, len(f.exprs))
	for i, e := range f.exprs {
		parts[i] = e.render()
	}
	return strings.Join(parts, ",")
}

// Schedule is an ordered sequence of entries plus the creation time
// (milliseconds since epoch) assigned by whoever authored it.
type Schedule struct {
	CreationTimeMS int64
	Entries        []*Entry
}
