package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_ProgressAndEstimate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	tr := NewTracker(context.Background(), clock.now)

	out, err := tr.DecoderHandler()([]byte("frame number: 0 total frame number: 10"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 10, tr.Snapshot().Total)

	enc := tr.EncoderHandler()
	_, err = enc([]byte("frame number: 1"))
	require.NoError(t, err)

	clock.advance(40 * time.Millisecond)
	_, err = enc([]byte("frame number: 2"))
	require.NoError(t, err)

	clock.advance(20 * time.Millisecond)
	_, err = enc([]byte("frame number: 5 total frame number: 10"))
	require.NoError(t, err)

	s := tr.Snapshot()
	assert.Equal(t, 5, s.Current)
	assert.Equal(t, 50, s.Percent)
	assert.Equal(t, 30*time.Millisecond, s.Smoothed)
	assert.Equal(t, 150*time.Millisecond, s.Remaining)
	assert.False(t, s.Done)
}

func TestTracker_IgnoresShortDurations(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	tr := NewTracker(context.Background(), clock.now)
	_, _ = tr.DecoderHandler()([]byte("total frame number: 4"))

	enc := tr.EncoderHandler()
	_, _ = enc([]byte("frame number: 1"))
	clock.advance(5 * time.Millisecond)
	_, _ = enc([]byte("frame number: 2"))
	assert.Equal(t, time.Duration(0), tr.Snapshot().Smoothed)

	clock.advance(12 * time.Millisecond)
	_, _ = enc([]byte("frame number: 4"))
	s := tr.Snapshot()
	assert.Equal(t, 12*time.Millisecond, s.Smoothed)
	assert.True(t, s.Done)
	assert.Equal(t, 100, s.Percent)
}

func TestTracker_HistoryIsBounded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	tr := NewTracker(context.Background(), clock.now)
	_, _ = tr.DecoderHandler()([]byte("total frame number: 100"))
	enc := tr.EncoderHandler()

	_, _ = enc([]byte("frame number: 0"))
	for i := 1; i <= historySize; i++ {
		clock.advance(100 * time.Millisecond)
		_, _ = enc([]byte("frame number: 1"))
	}
	for i := 0; i < historySize; i++ {
		clock.advance(20 * time.Millisecond)
		_, _ = enc([]byte("frame number: 2"))
	}
	assert.Equal(t, 20*time.Millisecond, tr.Snapshot().Smoothed)
}

func TestTracker_UnparseablePayloadIsIgnored(t *testing.T) {
	tr := NewTracker(context.Background(), nil)
	out, err := tr.EncoderHandler()([]byte("garbage"))
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, Snapshot{}, tr.Snapshot())
}
