package core

import (
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const haltedMessage = "Printer halted. Restart required."

// Fatal sets the fatal-error latch. The first message wins; the latch is only
// cleared by a restart.
func (c *Core) Fatal(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setFatal(msg)
}

func (c *Core) setFatal(msg string) {
	if c.fatal != "" {
		return
	}
	if msg == "" {
		msg = "unknown error"
	}
	c.fatal = msg
	c.asm.Reset()
	c.trace.record(EvtFatal, nil, 0)

	log.Error().Str("reason", msg).Msg("fatal error, halting command intake")
	c.trace.dump(zerolog.ErrorLevel)

	c.printAll("fatal:" + msg)
	c.printAll("fatal:" + haltedMessage)
}

// FatalError returns the latched message
func (c *Core) FatalError() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal, c.fatal != ""
}

// HasFatalError reports whether the latch is set
func (c *Core) HasFatalError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal != ""
}

// WriteToAll writes one byte to every open, write-capable channel
func (c *Core) WriteToAll(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.reg.writable {
		if !s.writable() {
			continue
		}
		if err := s.ch.WriteByte(b); err != nil {
			log.Debug().Err(err).Str("source", s.name).Msg("write failed")
		}
	}
}

// PrintAll writes a line to every open, write-capable channel
func (c *Core) PrintAll(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printAll(line)
}

// PrintAllValue writes "<prefix><value>" to every writable channel
func (c *Core) PrintAllValue(prefix string, value int64) {
	c.PrintAll(prefix + strconv.FormatInt(value, 10))
}

func (c *Core) printAll(line string) {
	for _, s := range c.reg.writable {
		c.writeLine(s, line)
	}
}
