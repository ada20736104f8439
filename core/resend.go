package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"gcodeflow/gcode"
)

// lineResetCode is the M code that sets a channel's line counter
const lineResetCode = 110

// accept runs line-number tracking for a parsed command sitting in a reserved ring
// slot and publishes the slot if the command is in sequence.
func (c *Core) accept(src *Source, cmd *gcode.Command, binary, partial bool) Outcome {
	n, hasN := cmd.Line()
	if hasN {
		if m, ok := cmd.M(); ok && m == lineResetCode && !partial {
			src.lastLine = n
			src.waiting = notWaiting
			src.formatErrors = 0
			src.lastWasBinary = binary
			c.trace.record(EvtLineReset, src, n)
			log.Debug().Str("source", src.name).Uint32("line", n).Msg("line number reset")
			c.ack(src, n, true)
			return StepConsumed
		}

		diff := int32(n - (src.lastLine + 1))
		switch {
		case diff < 0:
			c.trace.record(EvtDuplicate, src, n)
			log.Debug().Str("source", src.name).Uint32("line", n).Msg("skipping already received line")
			c.writeLine(src, "skip "+strconv.FormatUint(uint64(n), 10))
			c.ack(src, n, false)
			return StepSkipped
		case diff > 0:
			return c.lineGap(src, n, binary)
		}
	}

	if partial {
		src.formatErrors++
		c.trace.record(EvtFormat, src, n)
		if c.escalate(src) {
			return StepHalted
		}
	} else {
		src.formatErrors = 0
	}

	if hasN {
		src.lastLine = n
	}
	src.waiting = notWaiting
	src.lastWasBinary = binary
	c.ring.commit()
	c.trace.record(EvtQueued, src, n)
	c.ack(src, n, hasN)
	return StepQueued
}

// lineGap handles a line number ahead of the expected one
func (c *Core) lineGap(src *Source, n uint32, binary bool) Outcome {
	if src.ch.CloseOnError() {
		c.closeSource(src, fmt.Errorf("line %d out of sequence, expected %d", n, src.lastLine+1))
		return StepClosed
	}
	if src.waiting > 0 {
		// Lines already in flight when the resend was requested
		src.waiting--
		log.Debug().Str("source", src.name).Uint32("line", n).Msg("skipping line while awaiting resend")
		c.writeLine(src, "skip "+strconv.FormatUint(uint64(n), 10))
		c.ack(src, n, false)
		return StepSkipped
	}
	log.Warn().
		Str("source", src.name).
		Uint32("line", n).
		Uint32("expected", src.lastLine+1).
		Msg("line number gap")
	c.requestResend(src, binary)
	return StepRejected
}

// frameError handles a frame that could not be accepted. counts is false for
// transient line noise that must not move the channel toward the fatal latch.
func (c *Core) frameError(src *Source, err error, binary, counts bool) Outcome {
	c.asm.Reset()
	c.trace.record(EvtFormat, src, src.lastLine+1)
	log.Warn().Err(err).Str("source", src.name).Bool("binary", binary).Msg("frame rejected")

	if counts {
		src.formatErrors++
		if c.escalate(src) {
			return StepHalted
		}
	}
	if src.ch.CloseOnError() {
		c.closeSource(src, err)
		return StepClosed
	}
	c.requestResend(src, binary)
	return StepRejected
}

// escalate sets the fatal latch once a channel exceeds the format error threshold
func (c *Core) escalate(src *Source) bool {
	if src.formatErrors <= c.opts.MaxFormatErrors {
		return false
	}
	c.setFatal(fmt.Sprintf("%d consecutive format errors on %s", src.formatErrors, src.name))
	return true
}

// requestResend asks src to retransmit from the line after its last accepted one
func (c *Core) requestResend(src *Source, binary bool) {
	now := c.clock.Now()
	if binary || src.lastWasBinary {
		src.waiting = c.opts.ResendSkipBinary
	} else {
		src.waiting = c.opts.ResendSkipASCII
	}
	src.lastResend = now

	expected := src.lastLine + 1
	c.trace.record(EvtResend, src, expected)
	if !src.resendLimiter.AllowN(now, 1) {
		log.Debug().Str("source", src.name).Msg("resend request throttled")
		return
	}
	log.Warn().Str("source", src.name).Uint32("line", expected).Msg("requesting resend")
	c.writeLine(src, fmt.Sprintf(c.opts.ResendFormat, expected))
	c.writeLine(src, "ok")
}

// repeatResends re-requests resends that went unanswered for FrameTimeout
func (c *Core) repeatResends(now time.Time) {
	if c.opts.FrameTimeout <= 0 {
		return
	}
	for _, s := range c.reg.all {
		if s.waiting == notWaiting {
			continue
		}
		if now.Sub(s.lastActivity) < c.opts.FrameTimeout || now.Sub(s.lastResend) < c.opts.FrameTimeout {
			continue
		}
		c.requestResend(s, s.lastWasBinary)
	}
}

// closeSource closes a channel that cannot recover from an error and forgets it
func (c *Core) closeSource(src *Source, reason error) {
	if c.asm.Owner() == src {
		c.asm.Reset()
	}
	if err := src.ch.Close(); err != nil {
		log.Debug().Err(err).Str("source", src.name).Msg("close failed")
	}
	c.trace.record(EvtClosed, src, src.lastLine)
	log.Warn().Err(reason).Str("source", src.name).Msg("closing channel after error")
	if _, err := c.reg.remove(src.ch); err != nil {
		log.Debug().Err(err).Str("source", src.name).Msg("channel already removed")
	}
}

// ack acknowledges a line per the configured mode
func (c *Core) ack(src *Source, n uint32, hasN bool) {
	switch c.opts.Ack {
	case AckNone:
		return
	case AckOKLine:
		if hasN {
			c.writeLine(src, "ok "+strconv.FormatUint(uint64(n), 10))
			return
		}
	}
	c.writeLine(src, "ok")
}

// LastLine returns the last line number accepted from the source
func (c *Core) LastLine(src *Source) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return src.lastLine
}

// WaitingForResend reports whether the source has an outstanding resend request
func (c *Core) WaitingForResend(src *Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return src.waiting != notWaiting
}
