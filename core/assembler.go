package core

import (
	"gcodeflow/protocol"
)

// FeedResult reports what a byte did to the frame under assembly
type FeedResult uint8

const (
	FeedMore     FeedResult = iota // frame not complete yet
	FeedComplete                   // a frame is ready in Frame
	FeedEmpty                      // a blank or comment-only line ended
	FeedOverflow                   // the frame was too large and was discarded
)

// Assembler accumulates bytes of one frame. There is a single Assembler per Core;
// the source that wrote its first byte owns it until the frame ends.
type Assembler struct {
	buf   [protocol.MaxCmdSize]byte
	pos   int
	owner *Source

	binary  bool
	size    int // expected binary frame size, 0 until the header is complete
	comment bool
	quoted  bool

	commentChar byte
}

// NewAssembler creates an assembler using the given comment marker
func NewAssembler(commentChar byte) *Assembler {
	if commentChar == 0 {
		commentChar = ';'
	}
	return &Assembler{commentChar: commentChar}
}

// Active reports whether a frame is in progress. A line whose remainder is being
// skipped as a comment still counts.
func (a *Assembler) Active() bool {
	return a.pos > 0 || a.comment
}

// Owner returns the source holding the frame in progress, or nil
func (a *Assembler) Owner() *Source {
	if !a.Active() {
		return nil
	}
	return a.owner
}

// Binary reports whether the current frame uses binary framing
func (a *Assembler) Binary() bool {
	return a.binary
}

// Frame returns the completed frame. It is only valid until the next Reset.
func (a *Assembler) Frame() []byte {
	return a.buf[:a.pos]
}

// Reset discards the frame in progress
func (a *Assembler) Reset() {
	a.pos = 0
	a.owner = nil
	a.binary = false
	a.size = 0
	a.comment = false
	a.quoted = false
}

// DiscardLine drops the ASCII frame in progress and swallows the rest of the line,
// keeping src as owner so no other channel can start a frame until it ends
func (a *Assembler) DiscardLine(src *Source) {
	a.Reset()
	a.owner = src
	a.comment = true
}

// Feed adds one byte from src to the frame
func (a *Assembler) Feed(src *Source, b byte) FeedResult {
	if !a.Active() {
		a.owner = src
		if protocol.IsBinaryStart(b) {
			a.binary = true
		}
	}
	if a.binary {
		return a.feedBinary(b)
	}
	return a.feedASCII(b)
}

func (a *Assembler) feedASCII(b byte) FeedResult {
	if b == '\n' || b == '\r' {
		if a.pos == 0 {
			a.Reset()
			return FeedEmpty
		}
		return FeedComplete
	}
	if a.comment {
		return FeedMore
	}
	if b == a.commentChar && !a.quoted {
		a.comment = true
		return FeedMore
	}
	if a.pos == 0 && (b == ' ' || b == '\t') {
		return FeedMore
	}
	if a.pos >= len(a.buf) {
		a.DiscardLine(a.owner)
		return FeedOverflow
	}
	if b == '"' {
		a.quoted = !a.quoted
	}
	a.buf[a.pos] = b
	a.pos++
	return FeedMore
}

func (a *Assembler) feedBinary(b byte) FeedResult {
	a.buf[a.pos] = b
	a.pos++

	if a.size == 0 {
		size, ok, err := protocol.BinaryFrameSize(a.buf[:a.pos])
		if err != nil {
			a.Reset()
			return FeedOverflow
		}
		if !ok {
			return FeedMore
		}
		a.size = size
	}
	if a.pos >= a.size {
		return FeedComplete
	}
	return FeedMore
}
