package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// Slots hands out one exclusive lease per scheduler slot. The zero value is
// not usable; create it with New.
type Slots struct {
	mu    sync.Mutex
	slots map[int]*slot
}

type slot struct {
	lease chan struct{}
	steps atomic.Uint64
}

// New returns an empty slot table. Slots are created on first use.
func New() *Slots {
	return &Slots{slots: make(map[int]*slot)}
}

func (s *Slots) get(id int) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{lease: make(chan struct{}, 1)}
		s.slots[id] = sl
	}
	return sl
}

// Acquire blocks until the slot is free or ctx is done. The returned release
// function must be called exactly once.
func (s *Slots) Acquire(ctx context.Context, id int) (release func(), err error) {
	sl := s.get(id)
	select {
	case sl.lease <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sl.steps.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { <-sl.lease })
	}, nil
}

// Busy reports whether the slot is currently leased.
func (s *Slots) Busy(id int) bool {
	return len(s.get(id).lease) > 0
}

// Steps returns how many leases the slot has handed out.
func (s *Slots) Steps(id int) uint64 {
	return s.get(id).steps.Load()
}

// IDs returns the slots in use.
func (s *Slots) IDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.slots))
	for id := range s.slots {
		out = append(out, id)
	}
	return out
}
