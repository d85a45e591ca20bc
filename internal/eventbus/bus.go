package eventbus

import (
	"context"
	"sync"

	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// AllSessions subscribes to entries from every session.
const AllSessions = ""

// Bus fans transcript entries out to per-session subscribers. It implements
// farmer.TranscriptSink. Channel subscribers are buffered and lose entries
// when full; func subscribers see every entry, in order, on the publishing
// goroutine.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]map[chan schema.TranscriptEntry]struct{}
	funcs map[string]map[*funcSub]struct{}
	log   pslog.Logger
	depth int
}

type funcSub struct {
	fn func(schema.TranscriptEntry)
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[string]map[chan schema.TranscriptEntry]struct{}),
		funcs: make(map[string]map[*funcSub]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the session (or AllSessions) and
// returns a channel + cancel.
func (b *Bus) Subscribe(session string) (<-chan schema.TranscriptEntry, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.TranscriptEntry, b.depth)
	b.mu.Lock()
	sessionSubs := b.subs[session]
	if sessionSubs == nil {
		sessionSubs = make(map[chan schema.TranscriptEntry]struct{})
		b.subs[session] = sessionSubs
	}
	sessionSubs[ch] = struct{}{}
	count := len(sessionSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("session", session).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[session]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, session)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("session", session).Debug("eventbus unsubscribe")
			}
		})
	}
}

// SubscribeFunc registers fn for the session (or AllSessions) and returns a
// cancel. fn runs synchronously for every published entry and must not
// publish on the same bus.
func (b *Bus) SubscribeFunc(session string, fn func(schema.TranscriptEntry)) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	sub := &funcSub{fn: fn}
	b.mu.Lock()
	sessionFuncs := b.funcs[session]
	if sessionFuncs == nil {
		sessionFuncs = make(map[*funcSub]struct{})
		b.funcs[session] = sessionFuncs
	}
	sessionFuncs[sub] = struct{}{}
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("session", session).Debug("eventbus subscribe func")
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if funcs := b.funcs[session]; funcs != nil {
				delete(funcs, sub)
				if len(funcs) == 0 {
					delete(b.funcs, session)
				}
			}
			b.mu.Unlock()
		})
	}
}

// OnTranscript publishes a transcript entry.
func (b *Bus) OnTranscript(entry schema.TranscriptEntry) {
	b.publish(entry)
}

func (b *Bus) publish(entry schema.TranscriptEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]chan schema.TranscriptEntry, 0, len(b.subs[entry.Session])+len(b.subs[AllSessions]))
	for sub := range b.subs[entry.Session] {
		subs = append(subs, sub)
	}
	if entry.Session != AllSessions {
		for sub := range b.subs[AllSessions] {
			subs = append(subs, sub)
		}
	}
	var funcs []*funcSub
	for sub := range b.funcs[entry.Session] {
		funcs = append(funcs, sub)
	}
	if entry.Session != AllSessions {
		for sub := range b.funcs[AllSessions] {
			funcs = append(funcs, sub)
		}
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- entry:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	for _, sub := range funcs {
		sub.fn(entry)
	}
	if dropped > 0 && b.log != nil {
		b.log.With("session", entry.Session).Warn("eventbus dropped", "count", dropped)
	}
}
