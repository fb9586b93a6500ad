package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlots_SameSlotIsSequential(t *testing.T) {
	s := New()
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				release, err := s.Acquire(ctx, 0)
				if !assert.NoError(t, err) {
					return
				}
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				active.Add(-1)
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, uint64(160), s.Steps(0))
	assert.False(t, s.Busy(0))
}

func TestSlots_DifferentSlotsRunInParallel(t *testing.T) {
	s := New()
	ctx := context.Background()

	r0, err := s.Acquire(ctx, 0)
	require.NoError(t, err)
	defer r0()

	r1, err := s.Acquire(ctx, 1)
	require.NoError(t, err)
	r1()

	assert.True(t, s.Busy(0))
	assert.ElementsMatch(t, []int{0, 1}, s.IDs())
}

func TestSlots_AcquireHonoursContext(t *testing.T) {
	s := New()
	release, err := s.Acquire(context.Background(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	r, err := s.Acquire(context.Background(), 3)
	require.NoError(t, err)
	r()
}
