package core

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// notWaiting is the resend counter value of a source that is in sequence
const notWaiting = -1

// Source is the per-registration state kept for a Channel: line tracking, resend state
// and activity. All fields are guarded by the owning Core.
type Source struct {
	id   string
	name string
	ch   Channel

	lastLine      uint32
	waiting       int // skip budget while awaiting a resend, notWaiting otherwise
	lastActivity  time.Time
	lastResend    time.Time
	lastWasBinary bool
	formatErrors  int

	resendLimiter *rate.Limiter
}

func newSource(ch Channel, limit rate.Limit, burst int) *Source {
	id := uuid.NewString()
	name := id[:8]
	if n, ok := ch.(Named); ok {
		name = n.Name()
	}
	return &Source{
		id:            id,
		name:          name,
		ch:            ch,
		waiting:       notWaiting,
		resendLimiter: rate.NewLimiter(limit, burst),
	}
}

// ID returns the registration id, unique for the lifetime of the process
func (s *Source) ID() string {
	return s.id
}

// Name returns the channel name, or a short id when the channel has none
func (s *Source) Name() string {
	return s.name
}

// Channel returns the wrapped channel
func (s *Source) Channel() Channel {
	return s.ch
}

// writable reports whether output to the channel is possible right now
func (s *Source) writable() bool {
	return s.ch.IsOpen() && s.ch.SupportsWrite()
}

// WriteString writes text to the channel byte by byte. Channels without write
// support silently discard it.
func (s *Source) WriteString(text string) error {
	if !s.writable() {
		return nil
	}
	for i := 0; i < len(text); i++ {
		if err := s.ch.WriteByte(text[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteLine writes text followed by a newline
func (s *Source) WriteLine(text string) error {
	if err := s.WriteString(text); err != nil {
		return err
	}
	if !s.writable() {
		return nil
	}
	return s.ch.WriteByte('\n')
}
