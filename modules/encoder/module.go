// Package encoder provides the "encoder" sink module. It consumes frames from
// any number of inputs, optionally appends their payloads to a raw output
// file and forwards them on its output ports when it has any.
package encoder

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/registry"
)

// Name is the module name nodes refer to.
const Name = "encoder"

// Module implements the registry.Module interface for this package.
type Module struct{}

// Config is the encoder configuration.
type Config struct {
	OutputPath string
	Bitrate    int
}

// ParseConfig reads and validates an encoder configuration.
func ParseConfig(cfg config.Tree) (*Config, error) {
	c := &Config{}
	var err error
	if c.OutputPath, err = cfg.String("output_path", ""); err != nil {
		return nil, err
	}
	if c.Bitrate, err = cfg.Int("params.bitrate", 0); err != nil {
		return nil, err
	}
	if c.Bitrate < 0 {
		return nil, fmt.Errorf("params.bitrate must not be negative")
	}
	return c, nil
}

type encoder struct {
	alias   string
	outputs int
	cfg     *Config
	out     *os.File
	frames  int
	bytes   int
}

func newEncoder(p module.Params) (module.Processor, error) {
	c, err := ParseConfig(p.Config)
	if err != nil {
		return nil, err
	}
	return &encoder{alias: p.Alias, outputs: p.Outputs, cfg: c}, nil
}

func (e *encoder) Process(ctx context.Context, task *module.Task) error {
	for _, p := range task.Inputs {
		if err := e.write(p.Frame.Data); err != nil {
			return err
		}
		e.frames++
		e.bytes += len(p.Frame.Data)
		for port := 0; port < e.outputs; port++ {
			task.Emit(port, append([]byte(nil), p.Frame.Data...))
		}
	}
	if len(task.Ended) > 0 {
		ctxlog.FromContext(ctx).Debug("Encoder input ended.", "ports", task.Ended, "frames", e.frames)
	}
	return nil
}

func (e *encoder) write(data []byte) error {
	if e.cfg.OutputPath == "" {
		return nil
	}
	if e.out == nil {
		f, err := os.OpenFile(e.cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
		e.out = f
	}
	if _, err := e.out.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// Reset switches the configuration in place. A new output path takes effect
// with the next frame.
func (e *encoder) Reset(_ context.Context, cfg config.Tree) error {
	c, err := ParseConfig(cfg)
	if err != nil {
		return err
	}
	if c.OutputPath != e.cfg.OutputPath && e.out != nil {
		if err := e.out.Close(); err != nil {
			return fmt.Errorf("failed to close output: %w", err)
		}
		e.out = nil
	}
	e.cfg = c
	return nil
}

// Flush syncs the output file once the last input frame was written.
func (e *encoder) Flush(ctx context.Context, _ *module.Task) error {
	ctxlog.FromContext(ctx).Info("Encoder finished.", "frames", e.frames, "bytes", e.bytes)
	if e.out == nil {
		return nil
	}
	return e.out.Sync()
}

func (e *encoder) Close() error {
	if e.out == nil {
		return nil
	}
	err := e.out.Close()
	e.out = nil
	return err
}

// Register registers the module with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(&registry.Definition{
		Name:         Name,
		Kind:         node.Encoder,
		Capabilities: node.Capabilities{HotReset: true, MidStreamReset: true},
		Validate: func(cfg config.Tree) error {
			_, err := ParseConfig(cfg)
			return err
		},
		New: newEncoder,
	})
}
