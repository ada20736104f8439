package core

import "gcodeflow/gcode"

// BusyState is the firmware-wide activity state reported by keep-alive messages
type BusyState uint8

const (
	Idle BusyState = iota
	Processing
	Paused
	WaitingOnHeater
	Calibrating
)

func (b BusyState) String() string {
	switch b {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Paused:
		return "paused"
	case WaitingOnHeater:
		return "heating"
	case Calibrating:
		return "calibrating"
	}
	return "unknown"
}

// Message returns the keep-alive line for the state
func (b BusyState) Message() string {
	switch b {
	case Paused:
		return "busy:paused for user interaction"
	case WaitingOnHeater:
		return "busy:heating"
	case Calibrating:
		return "busy:calibrating"
	}
	return "busy:processing"
}

// SetBusy changes the busy state. origin is the source whose command caused it and
// is left out of keep-alive broadcasts; nil includes everyone.
func (c *Core) SetBusy(state BusyState, origin gcode.Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy == Idle && state != Idle {
		c.lastBusySignal = c.clock.Now()
	}
	c.busy = state
	c.busyOrigin = origin
	if state == Idle {
		c.busyOrigin = nil
	}
}

// Busy returns the current busy state
func (c *Core) Busy() BusyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// KeepAlive is called periodically by the poll loop. While busy it broadcasts the
// state line at most once per KeepAliveInterval and reports whether it did.
func (c *Core) KeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.busy == Idle || c.opts.KeepAliveInterval <= 0 {
		c.lastBusySignal = now
		return false
	}
	if now.Sub(c.lastBusySignal) < c.opts.KeepAliveInterval {
		return false
	}
	c.lastBusySignal = now

	msg := c.busy.Message()
	for _, s := range c.reg.writable {
		if c.busyOrigin != nil && gcode.Origin(s) == c.busyOrigin {
			continue
		}
		c.writeLine(s, msg)
	}
	c.trace.record(EvtKeepAlive, nil, uint32(c.busy))
	return true
}
