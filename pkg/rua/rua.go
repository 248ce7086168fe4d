// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rua is a fixed capacity arena of session slots.
package rua

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity default number of slots.
const DefaultCapacity = 100

// Errors.
var (
	ErrPoolExhausted = errors.New("no free session")
	ErrInvalidHandle = errors.New("invalid session handle")
	ErrNotAcquired   = errors.New("session is not acquired")
	ErrSessionBusy   = errors.New("session still owns resources")
)

// Handle stable slot index, the only session identity
// passed between goroutines.
type Handle int

// Busy is implemented by slot values that own resources
// which must be torn down before the slot is released.
type Busy interface {
	Busy() bool
}

type slot[T any] struct {
	value *T
	live  bool
	gen   uint64
}

// Pool fixed capacity session arena. The pool lock only protects
// the free list and liveness flags, slot contents are owned
// by the caller. Every Acquire allocates a new value, a value
// obtained before the slot was recycled is never overwritten.
type Pool[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []Handle
}

// NewPool allocates a pool, capacity <= 0 uses DefaultCapacity.
func NewPool[T any](capacity int) *Pool[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool[T]{
		slots: make([]slot[T], capacity),
		free:  make([]Handle, capacity),
	}
	// Lowest index is handed out first.
	for i := range p.free {
		p.free[i] = Handle(capacity - 1 - i)
	}
	return p
}

// Cap pool capacity.
func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// Len number of acquired slots.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Acquire pops a free slot and gives it a new zero value. The
// returned generation changes every time the slot is acquired.
func (p *Pool[T]) Acquire() (Handle, *T, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return -1, nil, 0, ErrPoolExhausted
	}
	h := p.free[n-1]
	p.free = p.free[:n-1]

	s := &p.slots[h]
	s.value = new(T)
	s.live = true
	s.gen++
	return h, s.value, s.gen, nil
}

// Release returns the slot to the free list. Every resource owned by
// the slot value must already be torn down.
func (p *Pool[T]) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h < 0 || int(h) >= len(p.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	s := &p.slots[h]
	if !s.live {
		return fmt.Errorf("%w: %d", ErrNotAcquired, h)
	}
	if b, ok := any(s.value).(Busy); ok && b.Busy() {
		return fmt.Errorf("%w: %d", ErrSessionBusy, h)
	}
	s.live = false
	s.value = nil
	p.free = append(p.free, h)
	return nil
}

// Lookup returns the slot value if the slot is acquired.
func (p *Pool[T]) Lookup(h Handle) (*T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h < 0 || int(h) >= len(p.slots) || !p.slots[h].live {
		return nil, false
	}
	return p.slots[h].value, true
}

// LookupGen returns the slot value if the slot is still acquired
// by the owner of generation gen.
func (p *Pool[T]) LookupGen(h Handle, gen uint64) (*T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h < 0 || int(h) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h]
	if !s.live || s.gen != gen {
		return nil, false
	}
	return s.value, true
}

// Each calls fn for every acquired slot in index order.
func (p *Pool[T]) Each(fn func(Handle, *T)) {
	p.mu.Lock()
	var handles []Handle
	for i := range p.slots {
		if p.slots[i].live {
			handles = append(handles, Handle(i))
		}
	}
	p.mu.Unlock()

	for _, h := range handles {
		if v, ok := p.Lookup(h); ok {
			fn(h, v)
		}
	}
}
