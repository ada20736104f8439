// Package executor is the consumer side of the command queue. It peeks at the
// oldest queued command, dispatches it to the handler registered for its code and
// recycles the slot once the handler returns.
package executor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"gcodeflow/core"
	"gcodeflow/gcode"
	"gcodeflow/syncutil"
)

var ErrUnknownCommand = errors.New("unknown command")

// Handler runs one command. Replies go through Executor.Reply so they reach the
// channel the command came from.
type Handler func(e *Executor, cmd *gcode.Command) error

// Executor drains a core's queue
type Executor struct {
	core *core.Core

	mu       syncutil.RWMutex
	handlers map[string]Handler

	executed atomic.Uint64
	failed   atomic.Uint64
}

// New creates an executor with no handlers
func New(c *core.Core) *Executor {
	return &Executor{
		core:     c,
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for a code such as "G1" or "M105", replacing any
// earlier one
func (e *Executor) Register(code string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[code] = h
}

// Lookup returns the handler for code
func (e *Executor) Lookup(code string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[code]
	return h, ok
}

// Count returns the number of registered handlers
func (e *Executor) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Core returns the core the executor drains
func (e *Executor) Core() *core.Core {
	return e.core
}

// Stats returns the number of executed and failed commands
func (e *Executor) Stats() (executed, failed uint64) {
	return e.executed.Load(), e.failed.Load()
}

// Poll executes at most one queued command and reports whether it did. Nothing
// runs once the fatal latch is set.
func (e *Executor) Poll() bool {
	if e.core.HasFatalError() {
		return false
	}

	queue := e.core.Queue()
	cmd, ok := queue.Peek()
	if !ok {
		if e.core.Busy() == core.Processing {
			e.core.SetBusy(core.Idle, nil)
		}
		return false
	}

	// Keep-alive skips the channel of the command now running. A handler that
	// set a more specific state such as heating keeps it.
	if busy := e.core.Busy(); busy == core.Idle || busy == core.Processing {
		e.core.SetBusy(core.Processing, cmd.Source)
	}
	if err := e.Dispatch(cmd); err != nil {
		e.failed.Add(1)
		e.reportError(cmd, err)
	}
	e.executed.Add(1)

	queue.Pop()
	return true
}

// Dispatch runs the handler for cmd without touching the queue
func (e *Executor) Dispatch(cmd *gcode.Command) error {
	if cmd.HasFormatError() {
		log.Debug().Str("cmd", cmd.String()).Msg("running partially parsed command")
	}

	code := cmd.Code()
	h, ok := e.Lookup(code)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, code)
	}
	return h(e, cmd)
}

func (e *Executor) reportError(cmd *gcode.Command, err error) {
	if errors.Is(err, ErrUnknownCommand) {
		e.Reply(cmd, fmt.Sprintf("echo:Unknown command: %q", cmd.String()))
		return
	}
	log.Warn().Err(err).Str("cmd", cmd.String()).Msg("command failed")
	e.Reply(cmd, "Error:"+err.Error())
}

// Reply sends a line to the channel that issued cmd. Replies to internal
// commands are logged instead.
func (e *Executor) Reply(cmd *gcode.Command, line string) {
	src, ok := cmd.Source.(*core.Source)
	if cmd.Internal || !ok || src == nil {
		log.Info().Str("cmd", cmd.Code()).Msg(line)
		return
	}
	if err := src.WriteLine(line); err != nil {
		log.Debug().Err(err).Str("source", src.Name()).Msg("reply failed")
	}
}
