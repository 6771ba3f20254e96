// Package sender bounds the number of sends a worker keeps in flight.
package sender

import (
	"errors"
	"sync"
)

// ErrAtCapacity is returned when the window cannot accept more sends.
var ErrAtCapacity = errors.New("sender at capacity")

// Window runs send functions asynchronously with semaphore-based
// backpressure. It signals on Settled whenever a slot frees, which lets
// the owning loop wake up as soon as it can send again.
type Window struct {
	semaphore chan struct{}
	settled   chan struct{}
	wg        sync.WaitGroup
}

// New creates a Window allowing limit concurrent sends (minimum 1).
func New(limit int) *Window {
	if limit <= 0 {
		limit = 1
	}
	return &Window{
		semaphore: make(chan struct{}, limit),
		settled:   make(chan struct{}, 1),
	}
}

// Slot is one reserved place in a Window. It is either started with Go or
// handed back with Release.
type Slot struct {
	w    *Window
	once sync.Once
}

// Reserve takes a slot without blocking, or returns ErrAtCapacity.
func (w *Window) Reserve() (*Slot, error) {
	select {
	case w.semaphore <- struct{}{}:
		return &Slot{w: w}, nil
	default:
		return nil, ErrAtCapacity
	}
}

// Go runs fn asynchronously in the slot and frees it when fn returns.
// It must be called at most once and never after Release.
func (s *Slot) Go(fn func()) {
	s.w.wg.Add(1)
	go func() {
		defer s.w.wg.Done()
		defer s.Release()
		fn()
	}()
}

// Release frees the slot. Extra calls are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		<-s.w.semaphore
		select {
		case s.w.settled <- struct{}{}:
		default:
		}
	})
}

// Settled delivers a value after one or more slots free. Notifications
// are coalesced, so one receive may stand for several settled sends.
func (w *Window) Settled() <-chan struct{} {
	return w.settled
}

// Wait blocks until every started send has finished.
func (w *Window) Wait() {
	w.wg.Wait()
}
