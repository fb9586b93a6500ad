package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/registry"
)

// Module names registered by Modules.
const (
	SourceModule = "test_source"
	SinkModule   = "test_sink"
	FilterModule = "test_filter"
)

// Modules registers a configurable source, a recording sink and a tagging
// filter for engine-level tests.
type Modules struct {
	Recorder *Recorder
	// Resets counts successful in-place resets per alias.
	Resets sync.Map
}

// NewModules returns test modules recording into a fresh Recorder.
func NewModules() *Modules {
	return &Modules{Recorder: NewRecorder()}
}

// Register implements registry.Module.
func (m *Modules) Register(r *registry.Registry) {
	r.Register(&registry.Definition{
		Name:        SourceModule,
		Kind:        node.Decoder,
		OutputPorts: []string{"video", "audio"},
		Validate:    func(cfg config.Tree) error { _, err := parseSource(cfg); return err },
		New: func(p module.Params) (module.Processor, error) {
			c, err := parseSource(p.Config)
			if err != nil {
				return nil, err
			}
			return &source{cfg: c, outputs: p.Outputs}, nil
		},
	})
	r.Register(&registry.Definition{
		Name:         SinkModule,
		Kind:         node.Encoder,
		Capabilities: node.Capabilities{HotReset: true},
		Validate:     func(cfg config.Tree) error { _, err := parseSink(cfg); return err },
		New: func(p module.Params) (module.Processor, error) {
			c, err := parseSink(p.Config)
			if err != nil {
				return nil, err
			}
			s := &sink{rec: m.Recorder, alias: p.Alias, mods: m}
			s.cfg.Store(&c)
			return s, nil
		},
	})
	r.Register(&registry.Definition{
		Name:         FilterModule,
		Kind:         node.Filter,
		Capabilities: node.Capabilities{HotReset: true, MidStreamReset: true},
		OutputPorts:  []string{"out"},
		New: func(p module.Params) (module.Processor, error) {
			tag, err := p.Config.String("tag", "")
			if err != nil {
				return nil, err
			}
			f := &filter{}
			f.tag.Store(&tag)
			return f, nil
		},
	})
}

// ResetCount returns the number of in-place resets applied to alias.
func (m *Modules) ResetCount(alias string) int64 {
	v, ok := m.Resets.Load(alias)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (m *Modules) countReset(alias string) {
	v, _ := m.Resets.LoadOrStore(alias, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

type sourceConfig struct {
	Frames   int           // 0 means unbounded
	Interval time.Duration // pause between frames
	FailAt   int           // fault when emitting this frame number, 0 disables
}

func parseSource(cfg config.Tree) (sourceConfig, error) {
	var c sourceConfig
	var err error
	if c.Frames, err = cfg.Int("frames", 0); err != nil {
		return c, err
	}
	if c.Interval, err = cfg.Duration("interval", 0); err != nil {
		return c, err
	}
	if c.FailAt, err = cfg.Int("fail_at", 0); err != nil {
		return c, err
	}
	if c.Frames < 0 {
		return c, errors.New("frames must not be negative")
	}
	return c, nil
}

type source struct {
	cfg     sourceConfig
	outputs int
	next    int
}

func (s *source) Process(ctx context.Context, task *module.Task) error {
	if s.cfg.Frames > 0 && s.next >= s.cfg.Frames {
		return module.ErrEndOfStream
	}
	if s.cfg.FailAt > 0 && s.next == s.cfg.FailAt {
		return fmt.Errorf("source failed at frame %d", s.next)
	}
	if s.cfg.Interval > 0 {
		select {
		case <-time.After(s.cfg.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for p := 0; p < s.outputs; p++ {
		task.Emit(p, []byte(fmt.Sprintf("frame number: %d total frame number: %d", s.next, s.cfg.Frames)))
	}
	s.next++
	return nil
}

type sinkConfig struct {
	FailAfter int
	Delay     time.Duration
	Label     string
}

func parseSink(cfg config.Tree) (sinkConfig, error) {
	var c sinkConfig
	var err error
	if c.FailAfter, err = cfg.Int("fail_after", 0); err != nil {
		return c, err
	}
	if c.Delay, err = cfg.Duration("delay", 0); err != nil {
		return c, err
	}
	if c.Label, err = cfg.String("label", ""); err != nil {
		return c, err
	}
	if c.Label == "invalid" {
		return c, errors.New("label must not be 'invalid'")
	}
	return c, nil
}

type sink struct {
	rec   *Recorder
	alias string
	mods  *Modules
	cfg   atomic.Pointer[sinkConfig]
	seen  int
}

func (s *sink) Process(ctx context.Context, task *module.Task) error {
	c := s.cfg.Load()
	for _, p := range task.Inputs {
		if c.FailAfter > 0 && s.seen >= c.FailAfter {
			return fmt.Errorf("sink failed after %d frames", s.seen)
		}
		s.seen++
		s.rec.add(s.alias, Record{Port: p.Port, Seq: p.Frame.Seq, Data: p.Frame.Data, At: time.Now()})
	}
	if c.Delay > 0 {
		time.Sleep(c.Delay)
	}
	return nil
}

func (s *sink) Reset(_ context.Context, cfg config.Tree) error {
	c, err := parseSink(cfg)
	if err != nil {
		return err
	}
	if cfg.Has("reset_error") {
		return errors.New("reset rejected")
	}
	s.cfg.Store(&c)
	s.mods.countReset(s.alias)
	return nil
}

type filter struct {
	tag atomic.Pointer[string]
}

func (f *filter) Process(_ context.Context, task *module.Task) error {
	tag := *f.tag.Load()
	for _, p := range task.Inputs {
		task.Emit(0, append([]byte(tag), p.Frame.Data...))
	}
	return nil
}

func (f *filter) Reset(_ context.Context, cfg config.Tree) error {
	tag, err := cfg.String("tag", "")
	if err != nil {
		return err
	}
	f.tag.Store(&tag)
	return nil
}
