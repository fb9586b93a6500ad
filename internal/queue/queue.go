// Package queue realizes a stream as a bounded FIFO of frames between one
// producer and one consumer.
//
// A full queue blocks the producer. The producer ends the stream with Close;
// the consumer observes end-of-stream as a closed channel and acknowledges
// it with Finish, which releases anyone waiting on Drained. A consumer that
// stops early calls Abandon: buffered and later frames are discarded and
// counted, and blocked producers are released.
//
// Push and Close must not be called concurrently. The executor guarantees
// this by pushing and closing under the owning output port's lock.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vk/mediagrid/internal/frame"
)

var (
	// ErrAbandoned is returned by Push when the consumer has gone away.
	ErrAbandoned = errors.New("queue abandoned by consumer")
	// ErrStopped is returned by Push when the stop channel fires first.
	ErrStopped = errors.New("push interrupted by stop")
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO. Create it with New.
type Queue struct {
	name string
	ch   chan frame.Frame

	closeOnce   sync.Once
	closed      atomic.Bool
	drainOnce   sync.Once
	drained     chan struct{}
	abandonOnce sync.Once
	abandoned   chan struct{}

	pushed    atomic.Uint64
	discarded atomic.Uint64
}

// New creates a queue holding at most capacity frames. A capacity below one
// is raised to one.
func New(name string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		name:      name,
		ch:        make(chan frame.Frame, capacity),
		drained:   make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

// Name returns the stream identifier the queue realizes.
func (q *Queue) Name() string { return q.name }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Len returns the number of buffered frames.
func (q *Queue) Len() int { return len(q.ch) }

// Push appends a frame, blocking while the queue is full. It returns early
// with ErrStopped when stop is closed and with ErrAbandoned when the consumer
// abandons the queue. In both cases the frame is counted as discarded.
func (q *Queue) Push(f frame.Frame, stop <-chan struct{}) error {
	if q.closed.Load() {
		q.discarded.Add(1)
		return ErrClosed
	}
	select {
	case <-q.abandoned:
		q.discarded.Add(1)
		return ErrAbandoned
	default:
	}
	select {
	case q.ch <- f:
		select {
		case <-q.abandoned:
			// lost the race with Abandon; nobody will read this frame
			q.discardBuffered()
			return ErrAbandoned
		default:
		}
		q.pushed.Add(1)
		return nil
	case <-q.abandoned:
		q.discarded.Add(1)
		return ErrAbandoned
	case <-stop:
		q.discarded.Add(1)
		return ErrStopped
	}
}

// Close marks end-of-stream. Buffered frames are still delivered.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}

// IsClosed reports whether the producer has ended the stream.
func (q *Queue) IsClosed() bool { return q.closed.Load() }

// C returns the receive side. A closed channel means end-of-stream.
func (q *Queue) C() <-chan frame.Frame { return q.ch }

// Pop receives the next frame. ok is false at end-of-stream, in which case
// Finish has already been called. It returns ErrStopped if stop fires first.
func (q *Queue) Pop(stop <-chan struct{}) (f frame.Frame, ok bool, err error) {
	select {
	case f, ok = <-q.ch:
		if !ok {
			q.Finish()
		}
		return f, ok, nil
	case <-stop:
		return frame.Frame{}, false, ErrStopped
	}
}

// TryPop receives a frame without blocking. ready is false when nothing is
// buffered; ok is false at end-of-stream.
func (q *Queue) TryPop() (f frame.Frame, ok bool, ready bool) {
	select {
	case f, ok = <-q.ch:
		if !ok {
			q.Finish()
		}
		return f, ok, true
	default:
		return frame.Frame{}, true, false
	}
}

// Finish acknowledges end-of-stream on the consumer side.
func (q *Queue) Finish() {
	q.drainOnce.Do(func() { close(q.drained) })
}

// Drained is closed once the consumer has seen end-of-stream or abandoned
// the queue.
func (q *Queue) Drained() <-chan struct{} { return q.drained }

// Abandon discards everything buffered and makes later pushes fail fast.
// It returns the number of frames discarded from the buffer.
func (q *Queue) Abandon() int {
	q.abandonOnce.Do(func() { close(q.abandoned) })
	n := q.discardBuffered()
	q.Finish()
	return n
}

func (q *Queue) discardBuffered() int {
	n := 0
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				q.discarded.Add(uint64(n))
				return n
			}
			n++
		default:
			q.discarded.Add(uint64(n))
			return n
		}
	}
}

// Pushed returns the number of frames accepted so far.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }

// Discarded returns the number of frames dropped by Push failures or
// Abandon.
func (q *Queue) Discarded() uint64 { return q.discarded.Load() }
