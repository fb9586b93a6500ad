package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
)

type nopProcessor struct{}

func (nopProcessor) Process(context.Context, *module.Task) error { return nil }

type testModule struct{ name string }

func (m testModule) Register(r *Registry) {
	r.Register(&Definition{
		Name:        m.name,
		Kind:        node.Filter,
		OutputPorts: []string{"out"},
		Validate: func(cfg config.Tree) error {
			if cfg.Has("bad") {
				return errors.New("bad key")
			}
			return nil
		},
		New: func(module.Params) (module.Processor, error) { return nopProcessor{}, nil },
	})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New().Use(testModule{name: "b"}, testModule{name: "a"})

	assert.Equal(t, []string{"a", "b"}, r.Names())
	def, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, node.Filter, def.Kind)
	assert.NoError(t, def.Check(config.Tree{}))
	assert.Error(t, def.Check(config.Tree{"bad": 1}))

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := New().Use(testModule{name: "a"})
	assert.Panics(t, func() { r.Use(testModule{name: "a"}) })
	assert.Panics(t, func() { r.Register(&Definition{Name: "no-ctor"}) })
}

func TestParseFaultPolicy(t *testing.T) {
	p, err := ParseFaultPolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, FaultAbort, p)

	_, err = ParseFaultPolicy("ignore")
	assert.Error(t, err)

	assert.NoError(t, (&Definition{}).Check(nil))
}

func TestDefinition_IsSource(t *testing.T) {
	assert.True(t, (&Definition{Kind: node.Decoder}).IsSource())
	assert.False(t, (&Definition{Kind: node.Filter}).IsSource())
	assert.False(t, (&Definition{Kind: node.Encoder}).IsSource())
	assert.True(t, (&Definition{Kind: node.CustomModule, Source: true}).IsSource())
}
