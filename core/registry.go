package core

import "errors"

var (
	ErrCapacity          = errors.New("source registry is full")
	ErrNotRegistered     = errors.New("channel is not registered")
	ErrAlreadyRegistered = errors.New("channel is already registered")
)

// Registry holds the registered sources and the round-robin cursor. It has no lock of
// its own; Core serializes access.
type Registry struct {
	max      int
	all      []*Source
	writable []*Source
	last     int // index in all of the most recently serviced source
}

// NewRegistry creates a registry bounded to max sources
func NewRegistry(max int) *Registry {
	return &Registry{
		max:      max,
		all:      make([]*Source, 0, max),
		writable: make([]*Source, 0, max),
		last:     -1,
	}
}

func (r *Registry) add(src *Source) error {
	if r.lookup(src.ch) != nil {
		return ErrAlreadyRegistered
	}
	if len(r.all) >= r.max {
		return ErrCapacity
	}
	r.all = append(r.all, src)
	if src.ch.SupportsWrite() {
		r.writable = append(r.writable, src)
	}
	return nil
}

func (r *Registry) remove(ch Channel) (*Source, error) {
	idx := -1
	for i, s := range r.all {
		if s.ch == ch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotRegistered
	}

	src := r.all[idx]
	r.all = append(r.all[:idx], r.all[idx+1:]...)
	if idx <= r.last {
		r.last--
	}
	for i, s := range r.writable {
		if s == src {
			r.writable = append(r.writable[:i], r.writable[i+1:]...)
			break
		}
	}
	return src, nil
}

func (r *Registry) lookup(ch Channel) *Source {
	for _, s := range r.all {
		if s.ch == ch {
			return s
		}
	}
	return nil
}

// next returns the first source after the previously serviced one for which ready is
// true, wrapping around, and makes it the serviced source.
func (r *Registry) next(ready func(*Source) bool) *Source {
	n := len(r.all)
	for i := 1; i <= n; i++ {
		idx := (r.last + i) % n
		if idx < 0 {
			idx += n
		}
		if ready(r.all[idx]) {
			r.last = idx
			return r.all[idx]
		}
	}
	return nil
}

// Len returns the number of registered sources
func (r *Registry) Len() int {
	return len(r.all)
}

// Cap returns the maximum number of sources
func (r *Registry) Cap() int {
	return r.max
}

// Sources returns a snapshot of all registered sources in registration order
func (r *Registry) Sources() []*Source {
	return append([]*Source(nil), r.all...)
}

// Writable returns a snapshot of the write-capable sources
func (r *Registry) Writable() []*Source {
	return append([]*Source(nil), r.writable...)
}
