package farmer

import "pkt.systems/monkeyfarmer/schema"

// DefaultTranscriptLines bounds the discussion kept in memory.
const DefaultTranscriptLines = 10000

// TranscriptSink receives every transcript entry as it is recorded.
type TranscriptSink interface {
	OnTranscript(entry schema.TranscriptEntry)
}

type sinkFanout []TranscriptSink

func (f sinkFanout) OnTranscript(entry schema.TranscriptEntry) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnTranscript(entry)
	}
}

// transcript stores the most recent discussion lines, oldest first.
type transcript struct {
	entries  []schema.TranscriptEntry
	maxLines int
}

func newTranscript(maxLines int) *transcript {
	if maxLines <= 0 {
		maxLines = DefaultTranscriptLines
	}
	return &transcript{maxLines: maxLines}
}

// Append adds entries, trimming the oldest beyond the limit.
func (t *transcript) Append(entries ...schema.TranscriptEntry) {
	if len(entries) == 0 {
		return
	}
	t.entries = append(t.entries, entries...)
	if len(t.entries) > t.maxLines {
		trim := len(t.entries) - t.maxLines
		t.entries = append(t.entries[:0:0], t.entries[trim:]...)
	}
}

// Snapshot returns a copy of the last limit entries (all when limit <= 0).
func (t *transcript) Snapshot(limit int) []schema.TranscriptEntry {
	total := len(t.entries)
	if limit <= 0 || limit > total {
		limit = total
	}
	out := make([]schema.TranscriptEntry, limit)
	copy(out, t.entries[total-limit:])
	return out
}
