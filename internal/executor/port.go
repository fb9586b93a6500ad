package executor

import (
	"sync"

	"github.com/vk/mediagrid/internal/frame"
	"github.com/vk/mediagrid/internal/queue"
	"github.com/vk/mediagrid/internal/streamid"
)

// outPort is the producer side of every stream leaving one output port. It
// outlives a runner when a reset swaps the node, which keeps the stream
// identifier and the sequence numbers continuous.
type outPort struct {
	handle streamid.Handle

	mu     sync.RWMutex
	subs   []*queue.Queue
	closed bool
	seq    uint64
	warned bool
}

func newOutPort(h streamid.Handle) *outPort {
	return &outPort{handle: h}
}

// emitResult tells the caller what happened to one frame.
type emitResult struct {
	delivered  int
	noConsumer bool
	stopped    int
	abandoned  int
	firstDrop  bool
}

// emit pushes data to every subscriber, blocking on full queues. Only the
// owning runner calls it.
func (p *outPort) emit(data []byte, stop <-chan struct{}) emitResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var res emitResult
	f := frame.Frame{Data: data, Seq: p.seq}
	p.seq++

	if len(p.subs) == 0 || p.closed {
		res.noConsumer = true
		return res
	}
	for i, q := range p.subs {
		out := f
		if i > 0 {
			out = f.Clone()
		}
		switch err := q.Push(out, stop); err {
		case nil:
			res.delivered++
		case queue.ErrStopped:
			res.stopped++
		default:
			res.abandoned++
		}
	}
	return res
}

// warnOnce reports whether this is the first frame dropped for lack of a
// consumer since the last subscription change.
func (p *outPort) warnOnce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := !p.warned
	p.warned = true
	return first
}

// subscribe attaches a consumer queue. Frames emitted from now on reach it.
// A queue attached to a closed port is closed at once.
func (p *outPort) subscribe(q *queue.Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		q.Close()
		return
	}
	p.subs = append(p.subs, q)
	p.warned = false
}

// unsubscribe detaches a queue and closes it so its consumer sees
// end-of-stream after the frames already buffered.
func (p *outPort) unsubscribe(q *queue.Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(q)
	q.Close()
}

// replace atomically moves a subscription from old to next. Every frame
// goes to exactly one of them; old is then closed.
func (p *outPort) replace(old, next *queue.Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(old)
	old.Close()
	if p.closed {
		next.Close()
		return
	}
	p.subs = append(p.subs, next)
}

func (p *outPort) removeLocked(q *queue.Queue) bool {
	for i, s := range p.subs {
		if s == q {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			return true
		}
	}
	return false
}

// close ends every stream of the port and returns the queues to wait on.
func (p *outPort) close() []*queue.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	subs := p.subs
	for _, q := range subs {
		q.Close()
	}
	return subs
}

func (p *outPort) subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
