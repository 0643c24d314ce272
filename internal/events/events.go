// Package events broadcasts progress and status updates to registered
// observers (UI windows, history sinks). Observers come and go as windows
// open and close; a disposed observer must never block or fail delivery to
// the rest.
package events

import (
	"errors"
	"sync"
)

// ErrClosed is returned by a sink whose receiver is gone. Broadcast treats
// it as a signal to unregister the sink.
var ErrClosed = errors.New("events: sink closed")

// Sink receives broadcast events. Send must not block; implementations
// return ErrClosed once their receiver is disposed.
type Sink[T any] interface {
	Send(ev T) error
}

// Fanout delivers each broadcast event to all registered sinks.
type Fanout[T any] struct {
	mu    sync.Mutex
	sinks map[string]Sink[T]
}

func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{sinks: make(map[string]Sink[T])}
}

// Register adds or replaces the sink under id.
func (f *Fanout[T]) Register(id string, s Sink[T]) {
	f.mu.Lock()
	f.sinks[id] = s
	f.mu.Unlock()
}

// Unregister removes the sink under id, if any.
func (f *Fanout[T]) Unregister(id string) {
	f.mu.Lock()
	delete(f.sinks, id)
	f.mu.Unlock()
}

// Len reports the number of registered sinks.
func (f *Fanout[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// Broadcast sends ev to every registered sink. A sink that reports itself
// closed is unregistered on the spot; delivery continues to the others.
// With no observers registered this is a cheap no-op, the common case
// during headless installation before any window exists.
func (f *Fanout[T]) Broadcast(ev T) {
	f.mu.Lock()
	if len(f.sinks) == 0 {
		f.mu.Unlock()
		return
	}
	type entry struct {
		id   string
		sink Sink[T]
	}
	targets := make([]entry, 0, len(f.sinks))
	for id, s := range f.sinks {
		targets = append(targets, entry{id, s})
	}
	f.mu.Unlock()

	for _, t := range targets {
		if err := t.sink.Send(ev); errors.Is(err, ErrClosed) {
			f.Unregister(t.id)
		}
	}
}

// ChanSink adapts a channel into a Sink. Send is non-blocking: events are
// dropped when the buffer is full, and ErrClosed is returned after Close.
type ChanSink[T any] struct {
	ch     chan T
	done   chan struct{}
	closed sync.Once
}

func NewChanSink[T any](buffer int) *ChanSink[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSink[T]{ch: make(chan T, buffer), done: make(chan struct{})}
}

// C exposes the receive side of the sink.
func (s *ChanSink[T]) C() <-chan T { return s.ch }

// Close marks the sink disposed. Subsequent Sends report ErrClosed so the
// fanout can prune it.
func (s *ChanSink[T]) Close() {
	s.closed.Do(func() { close(s.done) })
}

func (s *ChanSink[T]) Send(ev T) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// Receiver is lagging; drop rather than block the broadcaster.
	}
	return nil
}

// FuncSink adapts a function into a Sink.
type FuncSink[T any] func(ev T) error

func (f FuncSink[T]) Send(ev T) error { return f(ev) }
