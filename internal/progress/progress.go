// Package progress estimates transcoding progress from the text payloads a
// decoder and an encoder report through callbacks.
//
// A Tracker belongs to one run. The decoder handler learns the total frame
// count from `total frame number: N`; the encoder handler reads
// `frame number: N`, derives the percentage and estimates the remaining time
// from a moving average of the last frame durations.
package progress

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/vk/mediagrid/internal/callback"
	"github.com/vk/mediagrid/internal/ctxlog"
)

const (
	historySize = 20
	minDuration = 10 * time.Millisecond
)

var (
	totalPattern   = regexp.MustCompile(`\btotal frame number:\s*(\d+)`)
	currentPattern = regexp.MustCompile(`\bframe number:\s*(\d+)`)
)

// Snapshot is the tracker state at one point in time.
type Snapshot struct {
	Total     int
	Current   int
	Percent   int
	Smoothed  time.Duration
	Remaining time.Duration
	Done      bool
}

// Tracker holds the progress of one run.
type Tracker struct {
	mu       sync.Mutex
	ctx      context.Context
	now      func() time.Time
	total    int
	current  int
	percent  int
	last     time.Time
	history  []time.Duration
	smoothed time.Duration
	rest     time.Duration
}

// NewTracker returns a tracker that logs through ctx. now may be nil, in
// which case time.Now is used.
func NewTracker(ctx context.Context, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{ctx: ctx, now: now}
}

// DecoderHandler records the total frame count.
func (t *Tracker) DecoderHandler() callback.Handler {
	return func(payload []byte) ([]byte, error) {
		m := totalPattern.FindSubmatch(payload)
		if m == nil {
			ctxlog.FromContext(t.ctx).Warn("Failed to extract total frame number.")
			return nil, nil
		}
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.total = n
		t.mu.Unlock()
		ctxlog.FromContext(t.ctx).Debug("Extracted total frame number.", "total", n)
		return nil, nil
	}
}

// EncoderHandler records the current frame and updates the estimates.
func (t *Tracker) EncoderHandler() callback.Handler {
	return func(payload []byte) ([]byte, error) {
		// `total frame number:` also matches the current pattern; strip it.
		text := totalPattern.ReplaceAll(payload, nil)
		m := currentPattern.FindSubmatch(text)
		if m == nil {
			ctxlog.FromContext(t.ctx).Warn("Failed to extract frame number.")
			return nil, nil
		}
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, err
		}
		s := t.observe(n)
		ctxlog.FromContext(t.ctx).Info("Progress.",
			"percent", s.Percent,
			"frame", s.Current,
			"total", s.Total,
			"smoothed_ms", s.Smoothed.Milliseconds(),
			"remaining", s.Remaining.Round(time.Millisecond).String(),
		)
		if s.Done {
			ctxlog.FromContext(t.ctx).Info("Progress finished.")
		}
		return nil, nil
	}
}

func (t *Tracker) observe(frame int) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var d time.Duration
	if !t.last.IsZero() {
		d = now.Sub(t.last)
	}
	t.last = now

	if d >= minDuration {
		t.history = append(t.history, d)
		if len(t.history) > historySize {
			t.history = t.history[1:]
		}
	}
	t.smoothed = 0
	if len(t.history) > 0 {
		var sum time.Duration
		for _, h := range t.history {
			sum += h
		}
		t.smoothed = sum / time.Duration(len(t.history))
	}

	t.current = frame
	if t.total > 0 {
		t.percent = frame * 100 / t.total
		if frame > 0 {
			t.rest = t.smoothed * time.Duration(t.total-frame)
		}
	}
	return t.snapshotLocked()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		Total:     t.total,
		Current:   t.current,
		Percent:   t.percent,
		Smoothed:  t.smoothed,
		Remaining: t.rest,
		Done:      t.total > 0 && t.current == t.total,
	}
}
