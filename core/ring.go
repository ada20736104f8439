package core

import (
	"errors"

	"gcodeflow/gcode"
	"gcodeflow/syncutil"
)

var ErrFull = errors.New("command queue is full")

// Ring is the fixed-capacity FIFO between ingestion and the executor. Slots are
// allocated once and recycled; a popped slot has its presence bits cleared.
//
// One producer and one consumer may use it concurrently.
type Ring struct {
	mu    syncutil.Mutex
	slots []gcode.Command
	read  int
	write int
	count int
}

// NewRing creates a ring with room for capacity commands
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{slots: make([]gcode.Command, capacity)}
}

// Push copies cmd into the next free slot
func (r *Ring) Push(cmd *gcode.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.slots) {
		return ErrFull
	}
	r.slots[r.write] = *cmd
	r.advanceWrite()
	return nil
}

// reserve returns the next free slot without publishing it, or nil when full.
// Only the producer calls it, and only commit or another reserve may follow.
func (r *Ring) reserve() *gcode.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.slots) {
		return nil
	}
	slot := &r.slots[r.write]
	slot.Reset()
	return slot
}

// commit publishes the slot returned by reserve
func (r *Ring) commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceWrite()
}

func (r *Ring) advanceWrite() {
	r.write = (r.write + 1) % len(r.slots)
	r.count++
}

// Peek returns the oldest command without removing it. The pointer stays valid
// until that command is popped.
func (r *Ring) Peek() (*gcode.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, false
	}
	return &r.slots[r.read], true
}

// Pop removes and returns the oldest command and recycles its slot
func (r *Ring) Pop() (gcode.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return gcode.Command{}, false
	}
	slot := &r.slots[r.read]
	cmd := *slot
	slot.Reset()
	r.read = (r.read + 1) % len(r.slots)
	r.count--
	return cmd, true
}

// Len returns the number of queued commands
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Full reports whether a push would be refused
func (r *Ring) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == len(r.slots)
}
