package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/frame"
)

func fr(seq uint64) frame.Frame {
	return frame.Frame{Data: []byte{byte(seq)}, Seq: seq}
}

func TestQueue_FIFOAndEndOfStream(t *testing.T) {
	q := New("d0.0", 4)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Push(fr(i), nil))
	}
	q.Close()
	assert.True(t, q.IsClosed())
	assert.Equal(t, 3, q.Len())

	for i := uint64(1); i <= 3; i++ {
		f, ok, err := q.Pop(nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, f.Seq)
	}

	select {
	case <-q.Drained():
		t.Fatal("drained before end-of-stream was observed")
	default:
	}

	_, ok, err := q.Pop(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	<-q.Drained()
	assert.Equal(t, uint64(3), q.Pushed())
}

func TestQueue_BackpressureBlocksProducer(t *testing.T) {
	q := New("d0.0", 1)
	require.NoError(t, q.Push(fr(1), nil))

	done := make(chan error, 1)
	go func() { done <- q.Push(fr(2), nil) }()

	select {
	case <-done:
		t.Fatal("push on a full queue did not block")
	case <-time.After(20 * time.Millisecond):
	}

	f, ok, err := q.Pop(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
	require.NoError(t, <-done)
}

func TestQueue_PushStopped(t *testing.T) {
	q := New("d0.0", 1)
	require.NoError(t, q.Push(fr(1), nil))

	stop := make(chan struct{})
	close(stop)
	assert.ErrorIs(t, q.Push(fr(2), stop), ErrStopped)
	assert.Equal(t, uint64(1), q.Discarded())
}

func TestQueue_AbandonReleasesProducer(t *testing.T) {
	q := New("d0.0", 2)
	require.NoError(t, q.Push(fr(1), nil))
	require.NoError(t, q.Push(fr(2), nil))

	var wg sync.WaitGroup
	wg.Add(1)
	var pushErr error
	go func() {
		defer wg.Done()
		pushErr = q.Push(fr(3), nil)
	}()

	time.Sleep(10 * time.Millisecond)
	n := q.Abandon()
	wg.Wait()

	<-q.Drained()
	assert.ErrorIs(t, pushErr, ErrAbandoned)
	// the blocked push may have landed in the buffer before Abandon emptied it
	assert.Equal(t, uint64(3), q.Discarded())
	assert.GreaterOrEqual(t, n, 2)
	assert.ErrorIs(t, q.Push(fr(4), nil), ErrAbandoned)
}

func TestQueue_TryPop(t *testing.T) {
	q := New("a.0", 0)
	assert.Equal(t, 1, q.Cap())

	_, _, ready := q.TryPop()
	assert.False(t, ready)

	require.NoError(t, q.Push(fr(7), nil))
	f, ok, ready := q.TryPop()
	assert.True(t, ready)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), f.Seq)

	q.Close()
	_, ok, ready = q.TryPop()
	assert.True(t, ready)
	assert.False(t, ok)
	<-q.Drained()

	assert.ErrorIs(t, q.Push(fr(8), nil), ErrClosed)
}
