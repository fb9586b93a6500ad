package testutil

import (
	"sync"
	"time"
)

// Record is one frame seen by a recording sink.
type Record struct {
	Port int
	Seq  uint64
	Data []byte
	At   time.Time
}

// Recorder collects the frames consumed by recording sinks, per node alias.
type Recorder struct {
	mu      sync.Mutex
	frames  map[string][]Record
	changed chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{frames: make(map[string][]Record), changed: make(chan struct{})}
}

func (r *Recorder) add(alias string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[alias] = append(r.frames[alias], rec)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Frames returns a copy of what alias has consumed so far.
func (r *Recorder) Frames(alias string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.frames[alias]...)
}

// Count returns how many frames alias has consumed.
func (r *Recorder) Count(alias string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[alias])
}

// WaitFor blocks until alias has consumed at least n frames or the timeout
// elapses. It reports whether the count was reached.
func (r *Recorder) WaitFor(alias string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		got := len(r.frames[alias])
		ch := r.changed
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}
