// Package decoder provides the "decoder" source module. It produces numbered
// frames on a video and an audio port, either synthetic or read in chunks
// from a raw input file.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/registry"
)

// Name is the module name nodes refer to.
const Name = "decoder"

const defaultChunkSize = 4096

// Module implements the registry.Module interface for this package.
type Module struct{}

// Config is the decoder configuration.
type Config struct {
	// Frames bounds the stream. 0 means unbounded for synthetic input and
	// "until EOF" for file input.
	Frames     int
	Rate       float64 // frames per second, 0 means as fast as possible
	InputPath  string
	ChunkSize  int
	VideoCodec string
}

// ParseConfig reads and validates a decoder configuration.
func ParseConfig(cfg config.Tree) (*Config, error) {
	c := &Config{}
	var err error
	if c.Frames, err = cfg.Int("frames", 0); err != nil {
		return nil, err
	}
	if c.InputPath, err = cfg.String("input_path", ""); err != nil {
		return nil, err
	}
	if c.ChunkSize, err = cfg.Int("chunk_size", defaultChunkSize); err != nil {
		return nil, err
	}
	if c.VideoCodec, err = cfg.String("video_params.codec", "raw"); err != nil {
		return nil, err
	}
	if v, ok := cfg.Get("rate"); ok {
		switch n := v.(type) {
		case float64:
			c.Rate = n
		case int:
			c.Rate = float64(n)
		case int64:
			c.Rate = float64(n)
		default:
			return nil, fmt.Errorf("rate: expected number, got %T", v)
		}
	}

	switch {
	case c.Frames < 0:
		return nil, errors.New("frames must not be negative")
	case c.Rate < 0:
		return nil, errors.New("rate must not be negative")
	case c.ChunkSize <= 0:
		return nil, errors.New("chunk_size must be positive")
	case c.InputPath == "" && c.Frames == 0:
		return nil, errors.New("either input_path or frames must be set")
	}
	return c, nil
}

type decoder struct {
	alias   string
	outputs int
	cfg     *Config
	file    *os.File
	next    int
	last    time.Time
}

func newDecoder(p module.Params) (module.Processor, error) {
	c, err := ParseConfig(p.Config)
	if err != nil {
		return nil, err
	}
	return &decoder{alias: p.Alias, outputs: p.Outputs, cfg: c}, nil
}

// Process emits one frame per call: a header line carrying the frame
// counters, followed by the chunk read from the input file if one is set.
func (d *decoder) Process(ctx context.Context, task *module.Task) error {
	if d.cfg.Frames > 0 && d.next >= d.cfg.Frames {
		return module.ErrEndOfStream
	}
	if err := d.pace(ctx); err != nil {
		return err
	}

	var chunk []byte
	if d.cfg.InputPath != "" {
		var err error
		if chunk, err = d.read(); err != nil {
			return err
		}
		if chunk == nil {
			ctxlog.FromContext(ctx).Debug("Input file exhausted.", "path", d.cfg.InputPath, "frames", d.next)
			return module.ErrEndOfStream
		}
	}

	header := fmt.Sprintf("frame number: %d total frame number: %d codec: %s\n", d.next, d.cfg.Frames, d.cfg.VideoCodec)
	for port := 0; port < d.outputs; port++ {
		payload := make([]byte, 0, len(header)+len(chunk))
		payload = append(payload, header...)
		if port == 0 {
			payload = append(payload, chunk...)
		}
		task.Emit(port, payload)
	}
	d.next++
	return nil
}

func (d *decoder) pace(ctx context.Context) error {
	if d.cfg.Rate <= 0 {
		return nil
	}
	interval := time.Duration(float64(time.Second) / d.cfg.Rate)
	if wait := time.Until(d.last.Add(interval)); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.last = time.Now()
	return nil
}

func (d *decoder) read() ([]byte, error) {
	if d.file == nil {
		f, err := os.Open(d.cfg.InputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		d.file = f
	}
	buf := make([]byte, d.cfg.ChunkSize)
	n, err := io.ReadFull(d.file, buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	case err != nil:
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return buf, nil
}

// Reset applies a new configuration before the stream started. The frame
// position is kept; a different input file is reopened from the start.
func (d *decoder) Reset(_ context.Context, cfg config.Tree) error {
	c, err := ParseConfig(cfg)
	if err != nil {
		return err
	}
	if c.InputPath != d.cfg.InputPath && d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("failed to close input: %w", err)
		}
		d.file = nil
	}
	d.cfg = c
	return nil
}

// Close releases the input file.
func (d *decoder) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Register registers the module with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(&registry.Definition{
		Name:         Name,
		Kind:         node.Decoder,
		Capabilities: node.Capabilities{HotReset: true},
		OutputPorts:  []string{"video", "audio"},
		Validate: func(cfg config.Tree) error {
			_, err := ParseConfig(cfg)
			return err
		},
		New: newDecoder,
	})
}
