// Package passthrough provides the "passthrough" filter module: every input
// frame is forwarded, optionally prefixed and thinned out.
package passthrough

import (
	"context"
	"errors"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/registry"
)

// Name is the module name nodes refer to.
const Name = "passthrough"

// Module implements the registry.Module interface for this package.
type Module struct{}

type settings struct {
	prefix    string
	dropEvery int
}

func parse(cfg config.Tree) (settings, error) {
	var s settings
	var err error
	if s.prefix, err = cfg.String("prefix", ""); err != nil {
		return s, err
	}
	if s.dropEvery, err = cfg.Int("drop_every", 0); err != nil {
		return s, err
	}
	if s.dropEvery < 0 || s.dropEvery == 1 {
		return s, errors.New("drop_every must be 0 or greater than 1")
	}
	return s, nil
}

type filter struct {
	outputs int
	s       settings
	seen    int
}

// Process sends the frame of input port i to output port i modulo the
// number of outputs.
func (f *filter) Process(_ context.Context, task *module.Task) error {
	if f.outputs == 0 {
		return nil
	}
	for _, p := range task.Inputs {
		f.seen++
		if f.s.dropEvery > 0 && f.seen%f.s.dropEvery == 0 {
			continue
		}
		data := p.Frame.Data
		if f.s.prefix != "" {
			data = append([]byte(f.s.prefix), data...)
		}
		task.Emit(p.Port%f.outputs, data)
	}
	return nil
}

func (f *filter) Reset(_ context.Context, cfg config.Tree) error {
	s, err := parse(cfg)
	if err != nil {
		return err
	}
	f.s = s
	return nil
}

// Register registers the module with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(&registry.Definition{
		Name:         Name,
		Kind:         node.Filter,
		Capabilities: node.Capabilities{HotReset: true, MidStreamReset: true},
		OutputPorts:  []string{"out"},
		Validate: func(cfg config.Tree) error {
			_, err := parse(cfg)
			return err
		},
		New: func(p module.Params) (module.Processor, error) {
			s, err := parse(p.Config)
			if err != nil {
				return nil, err
			}
			return &filter{outputs: p.Outputs, s: s}, nil
		},
	})
}
