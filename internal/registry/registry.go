package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
)

// Module is the interface that all modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// FaultPolicy decides what a node's runtime fault does to the graph.
type FaultPolicy string

const (
	// FaultDefault defers to the engine-wide policy.
	FaultDefault FaultPolicy = ""
	// FaultContain stops only the faulting node; consumers see end-of-stream.
	FaultContain FaultPolicy = "contain"
	// FaultAbort tears the whole graph down.
	FaultAbort FaultPolicy = "abort"
)

// ParseFaultPolicy accepts "contain" and "abort".
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch FaultPolicy(s) {
	case FaultContain, FaultAbort:
		return FaultPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown fault policy %q", s)
	}
}

// Definition describes one module.
type Definition struct {
	Name         string
	Kind         node.Kind
	Capabilities node.Capabilities
	// OutputPorts names the default output ports. Their count is the default
	// number of outputs.
	OutputPorts []string
	FaultPolicy FaultPolicy
	// Source marks a custom module that produces frames without inputs.
	// Decoders always do.
	Source bool
	// Validate checks a configuration. Nil accepts anything.
	Validate func(cfg config.Tree) error
	// New creates a processor for a validated configuration.
	New func(p module.Params) (module.Processor, error)
}

// IsSource reports whether nodes of this module produce frames on their
// own. Other nodes with no bound input wait for one.
func (d *Definition) IsSource() bool {
	return d.Source || d.Kind == node.Decoder
}

// Check runs the definition's validation.
func (d *Definition) Check(cfg config.Tree) error {
	if d.Validate == nil {
		return nil
	}
	return d.Validate(cfg)
}

// Registry holds the module definitions of one application instance.
type Registry struct {
	defs map[string]*Definition
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. It panics on a duplicate or incomplete
// definition.
func (r *Registry) Register(def *Definition) {
	if def.Name == "" || def.New == nil {
		panic("module definition needs a name and a constructor")
	}
	if _, exists := r.defs[def.Name]; exists {
		panic(fmt.Sprintf("module with name '%s' already registered", def.Name))
	}
	slog.Debug("Registering module.", "name", def.Name, "kind", def.Kind.String())
	r.defs[def.Name] = def
}

// Use registers every module in mods.
func (r *Registry) Use(mods ...Module) *Registry {
	for _, m := range mods {
		m.Register(r)
	}
	return r
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered module names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
