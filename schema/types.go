package schema

import "strings"

// WindowID identifies a browser window. Ids are assigned by the monkey.
type WindowID string

// LoginID identifies a login (credential prompt) window.
type LoginID string

// CoreID identifies the browser core object backing a window.
type CoreID string

// PageState is the page-info state reported by PAGE_STATUS.
type PageState string

// PageStateUnknown is the page-info state before any PAGE_STATUS arrives.
const PageStateUnknown PageState = "UNKNOWN"

// PlotCommand is one captured PLOT line, without the leading PLOT token.
// The first element is the plot operation (TEXT, RECTANGLE, BITMAP, ...).
type PlotCommand []string

// Op returns the plot operation, or "" for an empty command.
func (p PlotCommand) Op() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// LogEntry is a console message reported by CONSOLE_LOG.
type LogEntry struct {
	Source   string
	Foldable bool
	Level    string
	Message  string
}

// LogQuery selects console log entries. Nil fields match anything.
type LogQuery struct {
	Source   *string
	Foldable *bool
	Level    *string
	Substr   *string
}

// Empty reports whether the query has no predicate at all.
func (q LogQuery) Empty() bool {
	return q.Source == nil && q.Foldable == nil && q.Level == nil && q.Substr == nil
}

// Text returns the string drawn by a TEXT plot. Other operations report
// false.
func (p PlotCommand) Text() (string, bool) {
	if p.Op() != "TEXT" {
		return "", false
	}
	for i, tok := range p {
		if tok == "STR" {
			return strings.Join(p[i+1:], " "), true
		}
	}
	return "", false
}

// Match reports whether entry satisfies every predicate set on q.
func (q LogQuery) Match(entry LogEntry) bool {
	if q.Source != nil && *q.Source != entry.Source {
		return false
	}
	if q.Foldable != nil && *q.Foldable != entry.Foldable {
		return false
	}
	if q.Level != nil && *q.Level != entry.Level {
		return false
	}
	if q.Substr != nil && !strings.Contains(entry.Message, *q.Substr) {
		return false
	}
	return true
}
