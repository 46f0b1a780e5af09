// ABOUTME: Close-safe event channel shared by transport implementations
// ABOUTME: Emit blocks on a full buffer until read or until Close

package transport

import "sync"

// Emitter owns an event channel that can be written from many goroutines
// and closed exactly once.
type Emitter struct {
	mu       sync.RWMutex
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit delivers ev. It reports false if the emitter was closed first.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Close closes the channel. Safe to call more than once.
func (e *Emitter) Close() {
	e.doneOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
