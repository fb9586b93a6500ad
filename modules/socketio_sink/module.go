// Package socketio_sink provides the "socketio" custom module. It pushes one
// event per consumed frame to a Socket.IO server, which is how progress is
// streamed to a browser.
package socketio_sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/registry"
)

// Name is the module name nodes refer to.
const Name = "socketio"

const (
	defaultEvent   = "frame"
	defaultTimeout = 15 * time.Second
	maxTextLen     = 256
)

// Config is the module configuration.
type Config struct {
	URL                string
	Namespace          string
	Event              string
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
}

// ParseConfig reads and validates the configuration.
func ParseConfig(cfg config.Tree) (*Config, error) {
	c := &Config{}
	var err error
	if c.URL, err = cfg.String("url", ""); err != nil {
		return nil, err
	}
	if c.Namespace, err = cfg.String("namespace", "/"); err != nil {
		return nil, err
	}
	if c.Event, err = cfg.String("event", defaultEvent); err != nil {
		return nil, err
	}
	if c.ConnectTimeout, err = cfg.Duration("connect_timeout", defaultTimeout); err != nil {
		return nil, err
	}
	if c.InsecureSkipVerify, err = cfg.Bool("insecure_skip_verify", false); err != nil {
		return nil, err
	}

	if c.URL == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q must be absolute", c.URL)
	}
	if c.Event == "" {
		return nil, errors.New("event must not be empty")
	}
	return c, nil
}

// publisher is a connected client.
type publisher interface {
	Publish(event string, payload map[string]any)
	Close()
}

type dialFunc func(ctx context.Context, c *Config) (publisher, error)

// Module implements the registry.Module interface for this package.
type Module struct {
	dial dialFunc
}

type sink struct {
	alias   string
	outputs int
	cfg     *Config
	dial    dialFunc
	client  publisher
	sent    int
}

// Process connects on first use, then publishes one event per input frame
// and forwards the frame on every output port.
func (s *sink) Process(ctx context.Context, task *module.Task) error {
	if len(task.Inputs) == 0 {
		return nil
	}
	if s.client == nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		client, err := s.dial(dialCtx, s.cfg)
		cancel()
		if err != nil {
			return err
		}
		s.client = client
	}

	for _, p := range task.Inputs {
		s.client.Publish(s.cfg.Event, map[string]any{
			"node": s.alias,
			"port": p.Port,
			"seq":  p.Frame.Seq,
			"size": len(p.Frame.Data),
			"text": headline(p.Frame.Data),
		})
		s.sent++
		for port := 0; port < s.outputs; port++ {
			task.Emit(port, append([]byte(nil), p.Frame.Data...))
		}
	}
	return nil
}

// headline returns the first line of a payload, truncated.
func headline(data []byte) string {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	if len(data) > maxTextLen {
		data = data[:maxTextLen]
	}
	return string(bytes.ToValidUTF8(data, nil))
}

func (s *sink) Flush(ctx context.Context, _ *module.Task) error {
	ctxlog.FromContext(ctx).Debug("Socket.IO sink finished.", "events", s.sent)
	return nil
}

func (s *sink) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

// Register registers the module with the registry.
func (m *Module) Register(r *registry.Registry) {
	dial := m.dial
	if dial == nil {
		dial = dialSocket
	}
	r.Register(&registry.Definition{
		Name: Name,
		Kind: node.CustomModule,
		Validate: func(cfg config.Tree) error {
			_, err := ParseConfig(cfg)
			return err
		},
		New: func(p module.Params) (module.Processor, error) {
			c, err := ParseConfig(p.Config)
			if err != nil {
				return nil, err
			}
			return &sink{alias: p.Alias, outputs: p.Outputs, cfg: c, dial: dial}, nil
		},
	})
}
