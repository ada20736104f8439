// Package core multiplexes G-code channels into a single command queue. It owns the
// source registry and its round-robin arbiter, the shared frame assembler, per-channel
// resend state, the fatal-error latch and the busy-state keep-alive.
//
// Everything is driven by Step, which never blocks; the caller's poll loop
// interleaves it with other periodic work.
package core

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"gcodeflow/gcode"
	"gcodeflow/protocol"
	"gcodeflow/syncutil"
)

var (
	ErrHalted       = errors.New("firmware halted")
	ErrOverflow     = errors.New("frame exceeds buffer")
	ErrFrameTimeout = errors.New("frame stalled")
	ErrLineTooLong  = errors.New("line too long")
)

// AckMode selects how accepted lines are acknowledged
type AckMode string

const (
	AckOK     AckMode = "ok"      // "ok"
	AckOKLine AckMode = "ok_line" // "ok <N>"
	AckNone   AckMode = "none"
)

// Options configures a Core. Start from DefaultOptions.
type Options struct {
	MaxSources int
	QueueSize  int
	// MaxFormatErrors consecutive format errors on one channel are tolerated;
	// one more sets the fatal latch.
	MaxFormatErrors int
	// ResendFormat is a fmt pattern taking the expected line number
	ResendFormat    string
	Ack             AckMode
	CommentChar     byte
	RequireChecksum bool
	TextMCodes      []uint16

	// FrameTimeout discards a partial frame whose channel went silent, and repeats a
	// resend request nobody answered. Zero disables both.
	FrameTimeout time.Duration
	// Out-of-sequence frames skipped silently after a resend request
	ResendSkipASCII  int
	ResendSkipBinary int
	ResendRate       rate.Limit
	ResendBurst      int

	// KeepAliveInterval between busy broadcasts. Zero disables them.
	KeepAliveInterval time.Duration

	Clock clockwork.Clock
}

// DefaultOptions returns the stock configuration
func DefaultOptions() Options {
	return Options{
		MaxSources:        4,
		QueueSize:         16,
		MaxFormatErrors:   3,
		ResendFormat:      "Resend:%d",
		Ack:               AckOK,
		CommentChar:       ';',
		TextMCodes:        gcode.DefaultTextMCodes,
		FrameTimeout:      500 * time.Millisecond,
		ResendSkipASCII:   14,
		ResendSkipBinary:  30,
		ResendRate:        10,
		ResendBurst:       3,
		KeepAliveInterval: 2 * time.Second,
	}
}

// applyDefaults fills fields whose zero value is not usable
func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.MaxSources <= 0 {
		o.MaxSources = def.MaxSources
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.MaxFormatErrors <= 0 {
		o.MaxFormatErrors = def.MaxFormatErrors
	}
	if o.ResendFormat == "" {
		o.ResendFormat = def.ResendFormat
	}
	if o.Ack == "" {
		o.Ack = def.Ack
	}
	if o.CommentChar == 0 {
		o.CommentChar = def.CommentChar
	}
	if o.ResendRate <= 0 {
		o.ResendRate = rate.Inf
	}
	if o.ResendBurst <= 0 {
		o.ResendBurst = 1
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Outcome reports what a Step did
type Outcome uint8

const (
	StepIdle         Outcome = iota // no channel had data
	StepPartial                     // bytes consumed, frame not complete
	StepQueued                      // a command was pushed to the ring
	StepConsumed                    // a frame was handled without queueing (blank line, M110)
	StepSkipped                     // duplicate or in-flight line dropped
	StepRejected                    // frame rejected, resend requested
	StepClosed                      // the channel was closed after an error
	StepBackpressure                // the ring is full
	StepHalted                      // the fatal latch is set
)

func (o Outcome) String() string {
	switch o {
	case StepIdle:
		return "idle"
	case StepPartial:
		return "partial"
	case StepQueued:
		return "queued"
	case StepConsumed:
		return "consumed"
	case StepSkipped:
		return "skipped"
	case StepRejected:
		return "rejected"
	case StepClosed:
		return "closed"
	case StepBackpressure:
		return "backpressure"
	case StepHalted:
		return "halted"
	}
	return "unknown"
}

// maxBytesPerStep bounds the work of one Step when a channel streams blank lines
const maxBytesPerStep = 4 * protocol.MaxCmdSize

// Core is the ingest state machine. It is safe for concurrent use; the executor may
// call SetBusy, Fatal and the broadcast helpers from another goroutine.
type Core struct {
	mu syncutil.Mutex

	opts      Options
	clock     clockwork.Clock
	parseOpts gcode.ParseOptions

	reg  *Registry
	asm  *Assembler
	ring *Ring

	fatal string

	busy           BusyState
	busyOrigin     gcode.Origin
	lastBusySignal time.Time

	trace traceRing
}

// New creates a Core
func New(opts Options) *Core {
	opts.applyDefaults()
	c := &Core{
		opts:  opts,
		clock: opts.Clock,
		parseOpts: gcode.ParseOptions{
			TextMCodes:      opts.TextMCodes,
			RequireChecksum: opts.RequireChecksum,
		},
		reg:  NewRegistry(opts.MaxSources),
		asm:  NewAssembler(opts.CommentChar),
		ring: NewRing(opts.QueueSize),
	}
	c.trace.clock = opts.Clock
	c.lastBusySignal = c.clock.Now()
	return c
}

// Options returns the effective options
func (c *Core) Options() Options {
	return c.opts
}

// Queue returns the command ring the executor consumes
func (c *Core) Queue() *Ring {
	return c.ring
}

// Register adds a channel and returns its source state
func (c *Core) Register(ch Channel) (*Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src := newSource(ch, c.opts.ResendRate, c.opts.ResendBurst)
	src.lastActivity = c.clock.Now()
	if err := c.reg.add(src); err != nil {
		return nil, fmt.Errorf("register %s: %w", src.name, err)
	}
	log.Info().
		Str("source", src.name).
		Str("id", src.id).
		Bool("writable", ch.SupportsWrite()).
		Bool("close_on_error", ch.CloseOnError()).
		Msg("channel registered")
	return src, nil
}

// Unregister removes a channel. A frame it was assembling is discarded.
func (c *Core) Unregister(ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, err := c.reg.remove(ch)
	if err != nil {
		return err
	}
	if c.asm.Owner() == src {
		c.asm.Reset()
		log.Debug().Str("source", src.name).Msg("discarded partial frame of removed channel")
	}
	log.Info().Str("source", src.name).Msg("channel unregistered")
	return nil
}

// ActiveChannel returns the channel owning the frame in progress, or nil
func (c *Core) ActiveChannel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if src := c.asm.Owner(); src != nil {
		return src.ch
	}
	return nil
}

// Sources returns a snapshot of the registered sources
func (c *Core) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.Sources()
}

// Step performs one non-blocking unit of ingestion: it completes at most one frame
// from at most one channel.
func (c *Core) Step() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != "" {
		return StepHalted
	}
	now := c.clock.Now()

	if owner := c.asm.Owner(); owner != nil {
		if c.ring.Full() {
			owner.lastActivity = now
			return StepBackpressure
		}
		if !owner.ch.IsOpen() {
			c.asm.Reset()
			c.dropSource(owner, "channel closed mid-frame")
			return StepClosed
		}
		if !owner.ch.DataAvailable() {
			if c.opts.FrameTimeout > 0 && now.Sub(owner.lastActivity) >= c.opts.FrameTimeout {
				return c.frameError(owner, ErrFrameTimeout, c.asm.Binary(), false)
			}
			return StepPartial
		}
		return c.pump(owner, now)
	}

	if c.ring.Full() {
		return StepBackpressure
	}

	c.pruneClosed()
	src := c.reg.next(func(s *Source) bool {
		return s.ch.DataAvailable()
	})
	if src == nil {
		c.repeatResends(now)
		return StepIdle
	}
	return c.pump(src, now)
}

// pruneClosed drops sources whose channel closed on its own (end of file, unplug)
func (c *Core) pruneClosed() {
	for _, s := range c.reg.Sources() {
		if !s.ch.IsOpen() {
			c.dropSource(s, "channel closed")
		}
	}
}

func (c *Core) dropSource(src *Source, reason string) {
	if _, err := c.reg.remove(src.ch); err != nil {
		return
	}
	log.Info().Str("source", src.name).Str("reason", reason).Msg("channel removed")
}

// pump reads bytes from src until a frame completes or the channel runs dry
func (c *Core) pump(src *Source, now time.Time) Outcome {
	for n := 0; n < maxBytesPerStep && src.ch.DataAvailable(); n++ {
		b, err := src.ch.ReadByte()
		if err != nil {
			if c.asm.Owner() == src {
				c.asm.Reset()
			}
			if errors.Is(err, io.EOF) {
				c.dropSource(src, "end of data")
			} else {
				log.Warn().Err(err).Str("source", src.name).Msg("channel read failed")
				c.closeSource(src, err)
			}
			return StepClosed
		}
		src.lastActivity = now
		binary := c.asm.Binary() || (!c.asm.Active() && protocol.IsBinaryStart(b))

		switch c.asm.Feed(src, b) {
		case FeedMore, FeedEmpty:
			continue
		case FeedOverflow:
			out := c.frameError(src, ErrOverflow, binary, true)
			if !binary && out == StepRejected {
				// The rest of the line still has to be read and dropped
				c.asm.DiscardLine(src)
			}
			return out
		case FeedComplete:
			return c.complete(src)
		}
	}
	if c.asm.Active() {
		return StepPartial
	}
	return StepConsumed
}

// complete parses the assembled frame straight into a ring slot
func (c *Core) complete(src *Source) Outcome {
	binary := c.asm.Binary()
	frame := c.asm.Frame()

	slot := c.ring.reserve()
	var err error
	if binary {
		err = gcode.ParseBinary(frame, slot)
	} else {
		err = gcode.ParseASCII(frame, slot, &c.parseOpts)
	}
	c.asm.Reset()

	partial := false
	if err != nil {
		_, numbered := slot.Line()
		if binary || !errors.Is(err, gcode.ErrFormat) || numbered || src.ch.CloseOnError() {
			// Checksum errors are line noise; everything else is malformed input
			return c.frameError(src, err, binary, !errors.Is(err, gcode.ErrChecksum))
		}
		// An unnumbered line cannot be asked for again
		partial = true
		log.Warn().Err(err).Str("source", src.name).Msg("partial command accepted")
	}
	slot.Source = src
	return c.accept(src, slot, binary, partial)
}

// Inject queues a firmware-generated command. It bypasses line tracking and is
// never acknowledged.
func (c *Core) Inject(line string) error {
	if len(line) > protocol.MaxCmdSize {
		return ErrLineTooLong
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != "" {
		return ErrHalted
	}
	var cmd gcode.Command
	if err := gcode.ParseASCII([]byte(line), &cmd, &c.parseOpts); err != nil {
		return fmt.Errorf("inject %q: %w", line, err)
	}
	cmd.Internal = true
	return c.ring.Push(&cmd)
}

// writeLine sends a line to a source, logging write failures
func (c *Core) writeLine(src *Source, line string) {
	if err := src.WriteLine(line); err != nil {
		log.Debug().Err(err).Str("source", src.name).Msg("write failed")
	}
}
