package farmer

import (
	"sort"
	"time"
)

// Event is a schedulable callback. Its pointer is its identity: Unschedule
// removes every pending entry for the same *Event.
type Event struct {
	name string
	fn   func(*Farmer)
}

// NewEvent wraps fn so it can be scheduled and later unscheduled.
func NewEvent(name string, fn func(*Farmer)) *Event {
	return &Event{name: name, fn: fn}
}

// Name returns the label given to NewEvent.
func (e *Event) Name() string {
	if e == nil {
		return ""
	}
	return e.name
}

// When is a deadline, either relative to the moment of scheduling or absolute.
type When struct {
	after    time.Duration
	at       time.Time
	absolute bool
}

// After schedules d from now.
func After(d time.Duration) When {
	return When{after: d}
}

// At schedules at an absolute time.
func At(t time.Time) When {
	return When{at: t, absolute: true}
}

func (w When) deadline(now time.Time) time.Time {
	if w.absolute {
		return w.at
	}
	return now.Add(w.after)
}

type scheduledEntry struct {
	deadline time.Time
	event    *Event
}

// scheduler keeps entries sorted ascending by deadline. Entries with equal
// deadlines fire in the order they were scheduled.
type scheduler struct {
	entries []scheduledEntry
	// firing holds the unfired remainder of every batch being run, one per
	// nesting level, so an Unschedule issued by a callback still reaches
	// entries popped by an outer run.
	firing [][]scheduledEntry
}

func (s *scheduler) add(deadline time.Time, ev *Event) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].deadline.After(deadline)
	})
	s.entries = append(s.entries, scheduledEntry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = scheduledEntry{deadline: deadline, event: ev}
}

func (s *scheduler) remove(ev *Event) int {
	var removed int
	s.entries, removed = filterEvent(s.entries, ev)
	for i := range s.firing {
		var n int
		s.firing[i], n = filterEvent(s.firing[i], ev)
		removed += n
	}
	return removed
}

func filterEvent(entries []scheduledEntry, ev *Event) ([]scheduledEntry, int) {
	kept := entries[:0]
	removed := 0
	for _, entry := range entries {
		if entry.event == ev {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = scheduledEntry{}
	}
	return kept, removed
}

// run fires every entry due at now, in deadline order. Work scheduled by a
// callback is never part of the batch being run. A callback that re-enters
// the loop runs a nested batch made only of entries still pending, so a
// wait inside a callback keeps the scheduler serviced.
func (s *scheduler) run(now time.Time, f *Farmer) int {
	due := s.popDue(now)
	if len(due) == 0 {
		return 0
	}
	depth := len(s.firing)
	s.firing = append(s.firing, due)
	defer func() {
		s.firing = s.firing[:depth]
	}()
	fired := 0
	for len(s.firing[depth]) > 0 {
		entry := s.firing[depth][0]
		s.firing[depth] = s.firing[depth][1:]
		fired++
		if entry.event != nil && entry.event.fn != nil {
			entry.event.fn(f)
		}
	}
	return fired
}

// popDue removes and returns the entries due at now. Only entries present
// when popDue is called are considered.
func (s *scheduler) popDue(now time.Time) []scheduledEntry {
	n := 0
	for n < len(s.entries) && !s.entries[n].deadline.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]scheduledEntry, n)
	copy(due, s.entries[:n])
	s.entries = append(s.entries[:0], s.entries[n:]...)
	return due
}

func (s *scheduler) next() (time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].deadline, true
}

func (s *scheduler) len() int {
	return len(s.entries)
}
