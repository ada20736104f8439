package core

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventKind classifies a trace event
type EventKind uint8

// Event kinds
const (
	EvtQueued    EventKind = 1 // command pushed to the ring
	EvtDuplicate EventKind = 2 // already accepted line skipped
	EvtResend    EventKind = 3 // resend requested
	EvtFormat    EventKind = 4 // frame rejected or flagged
	EvtClosed    EventKind = 5 // channel closed after error
	EvtKeepAlive EventKind = 6
	EvtFatal     EventKind = 7
	EvtLineReset EventKind = 8 // M110
)

func (k EventKind) String() string {
	switch k {
	case EvtQueued:
		return "queued"
	case EvtDuplicate:
		return "duplicate"
	case EvtResend:
		return "resend"
	case EvtFormat:
		return "format"
	case EvtClosed:
		return "closed"
	case EvtKeepAlive:
		return "keepalive"
	case EvtFatal:
		return "fatal"
	case EvtLineReset:
		return "line_reset"
	}
	return "unknown"
}

// TraceEvent captures one ingest decision for post-mortem analysis
type TraceEvent struct {
	Kind   EventKind
	Source string // channel name, empty for core-wide events
	Line   uint32 // line number or event specific value
	At     time.Time
}

const TraceRingSize = 32 // Keep last 32 events for post-mortem

// traceRing is a fixed ring of recent events. It is guarded by the Core lock.
type traceRing struct {
	clock  interface{ Now() time.Time }
	events [TraceRingSize]TraceEvent
	head   uint8 // Next write position
	filled bool
}

func (t *traceRing) record(kind EventKind, src *Source, line uint32) {
	ev := TraceEvent{Kind: kind, Line: line, At: t.clock.Now()}
	if src != nil {
		ev.Source = src.name
	}
	t.events[t.head] = ev
	t.head = (t.head + 1) % TraceRingSize
	if t.head == 0 {
		t.filled = true
	}
}

// snapshot returns events oldest first
func (t *traceRing) snapshot() []TraceEvent {
	if !t.filled {
		return append([]TraceEvent(nil), t.events[:t.head]...)
	}
	out := make([]TraceEvent, 0, TraceRingSize)
	out = append(out, t.events[t.head:]...)
	return append(out, t.events[:t.head]...)
}

func (t *traceRing) dump(level zerolog.Level) {
	for _, ev := range t.snapshot() {
		log.WithLevel(level).
			Str("event", ev.Kind.String()).
			Str("source", ev.Source).
			Uint32("line", ev.Line).
			Time("at", ev.At).
			Msg("ingest trace")
	}
}

// Trace returns the most recent ingest events, oldest first
func (c *Core) Trace() []TraceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trace.snapshot()
}
