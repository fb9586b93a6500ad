package reconfig

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/r3labs/diff/v3"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/graph"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/registry"
	"github.com/vk/mediagrid/internal/streamid"
	"go.uber.org/multierr"
)

// defaultModules are used when a node names a kind but no module.
var defaultModules = map[node.Kind]string{
	node.Decoder: "decoder",
	node.Encoder: "encoder",
	node.Filter:  "passthrough",
}

// Plan is a validated update, bound to the generation it was validated
// against.
type Plan struct {
	base    *graph.Snapshot
	scratch *graph.Model
	reg     *registry.Registry

	adds    []*addition
	added   map[string]bool
	binds   []binding
	rewire  []string
	removes []string
	resets  []*reset
}

type addition struct {
	alias string
	def   *registry.Definition
	proc  module.Processor
}

type binding struct {
	consumer string
	stream   streamid.Handle
}

type reset struct {
	alias   string
	def     *registry.Definition
	cfg     config.Tree
	changes diff.Changelog
	// proc is the successor incarnation, prepared for kinds that may have to
	// be swapped rather than reset in place.
	proc  module.Processor
	swap  bool
	oldID node.ID
}

// Validate checks req against snap and prepares a Plan. It has no effect on
// the live graph. On failure every prepared processor is released.
func Validate(ctx context.Context, snap *graph.Snapshot, reg *registry.Registry, req *config.UpdateSpec) (plan *Plan, err error) {
	p := &Plan{
		base:    snap,
		scratch: graph.FromSnapshot(snap),
		reg:     reg,
		added:   make(map[string]bool),
	}
	defer func() {
		if err != nil {
			if derr := p.Discard(); derr != nil {
				ctxlog.FromContext(ctx).Warn("Failed to release prepared processors.", "error", derr)
			}
			plan = nil
		}
	}()

	if req.IsEmpty() {
		return p, nil
	}
	if err := p.planAdds(req.Add); err != nil {
		return nil, err
	}
	if err := p.planBinds(req.Bind); err != nil {
		return nil, err
	}
	if err := p.planRemoves(req.Remove); err != nil {
		return nil, err
	}
	if err := p.planResets(ctx, req.Reset); err != nil {
		return nil, err
	}
	return p, nil
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	return len(p.adds) == 0 && len(p.binds) == 0 && len(p.removes) == 0 && len(p.resets) == 0
}

// Base returns the generation the plan was validated against.
func (p *Plan) Base() uint64 { return p.base.Generation }

// Preview returns the topology the plan produces, before modes of resets
// are decided.
func (p *Plan) Preview() *graph.Snapshot { return p.scratch.Snapshot() }

// Discard releases every processor prepared for the plan.
func (p *Plan) Discard() error {
	var err error
	for _, a := range p.adds {
		err = multierr.Append(err, closeProc(a.proc))
		a.proc = nil
	}
	for _, r := range p.resets {
		err = multierr.Append(err, closeProc(r.proc))
		r.proc = nil
	}
	return err
}

func closeProc(proc module.Processor) error {
	if c, ok := proc.(module.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *Plan) planAdds(specs []*config.NodeSpec) error {
	pending := make([]*config.NodeSpec, 0, len(specs))
	inRequest := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s == nil {
			continue
		}
		if inRequest[s.Alias] {
			return &graph.ValidationError{Alias: s.Alias, Err: graph.ErrDuplicateAlias}
		}
		inRequest[s.Alias] = true
		pending = append(pending, s)
	}

	// Producers first: a node is added once every stream it reads from has
	// a producer in the scratch model.
	for len(pending) > 0 {
		var rest []*config.NodeSpec
		for _, s := range pending {
			if len(p.missingProducers(s)) > 0 {
				rest = append(rest, s)
				continue
			}
			if err := p.add(s); err != nil {
				return err
			}
		}
		if len(rest) == len(pending) {
			return p.blocked(rest, inRequest)
		}
		pending = rest
	}
	return nil
}

func (p *Plan) missingProducers(s *config.NodeSpec) []string {
	var missing []string
	for _, raw := range s.Inputs {
		ref, err := streamid.Parse(raw)
		if err != nil {
			// reported by add
			continue
		}
		if _, ok := p.scratch.Node(ref.Alias); !ok {
			missing = append(missing, ref.Alias)
		}
	}
	return missing
}

// blocked explains why none of the remaining nodes could be added: either
// one of them reads from a node that exists nowhere, or they wait on each
// other.
func (p *Plan) blocked(rest []*config.NodeSpec, inRequest map[string]bool) error {
	for _, s := range rest {
		for _, alias := range p.missingProducers(s) {
			if !inRequest[alias] {
				return &graph.TopologyConflictError{
					Alias: s.Alias,
					Err:   fmt.Errorf("producer %q: %w", alias, graph.ErrUnresolvedEndpoint),
				}
			}
		}
	}
	s := rest[0]
	return &graph.ValidationError{
		Alias: s.Alias,
		Err:   fmt.Errorf("inputs %v: %w", s.Inputs, graph.ErrCycle),
	}
}

func (p *Plan) add(s *config.NodeSpec) error {
	n, def, err := p.resolveNode(s)
	if err != nil {
		return err
	}
	if _, err := p.scratch.AddNode(n); err != nil {
		return err
	}
	proc, err := def.New(module.Params{Alias: n.Alias, Outputs: n.Outputs, Config: n.Config.Clone()})
	if err != nil {
		return &graph.ValidationError{Alias: n.Alias, Err: fmt.Errorf("module %q: %w", def.Name, err)}
	}
	if proc == nil {
		return &graph.ValidationError{Alias: n.Alias, Err: fmt.Errorf("module %q returned no processor", def.Name)}
	}
	p.adds = append(p.adds, &addition{alias: n.Alias, def: def, proc: proc})
	p.added[n.Alias] = true
	return nil
}

// resolveNode turns a description into a node, resolving the module, the
// defaults of its kind and the input stream identifiers.
func (p *Plan) resolveNode(s *config.NodeSpec) (*node.Node, *registry.Definition, error) {
	invalid := func(format string, args ...any) error {
		return &graph.ValidationError{Alias: s.Alias, Err: fmt.Errorf(format, args...)}
	}

	name := s.Module
	var kind node.Kind
	if s.Kind != "" {
		k, err := node.ParseKind(s.Kind)
		if err != nil {
			return nil, nil, invalid("%w", err)
		}
		kind = k
		if name == "" {
			name = defaultModules[k]
		}
	}
	if name == "" {
		return nil, nil, invalid("module is required")
	}
	def, ok := p.reg.Lookup(name)
	if !ok {
		return nil, nil, invalid("unknown module %q", name)
	}
	if s.Kind != "" && def.Kind != kind {
		return nil, nil, invalid("module %q is a %s node, not a %s", name, def.Kind, kind)
	}

	policy, err := node.ParseInputPolicy(s.InputPolicy)
	if err != nil {
		return nil, nil, invalid("%w", err)
	}
	if s.Slot < 0 {
		return nil, nil, invalid("negative scheduler slot %d", s.Slot)
	}
	outputs := s.Outputs
	if outputs == 0 {
		outputs = len(def.OutputPorts)
	}
	if outputs < 0 {
		return nil, nil, invalid("negative output count %d", outputs)
	}
	if err := def.Check(s.Config); err != nil {
		return nil, nil, invalid("config: %w", err)
	}

	n := &node.Node{
		Alias:   s.Alias,
		Kind:    def.Kind,
		Module:  def.Name,
		Config:  s.Config.Clone(),
		Outputs: outputs,
		Slot:    s.Slot,
		Policy:  policy,
	}
	for _, raw := range s.Inputs {
		h, err := p.resolveStream(s.Alias, raw)
		if err != nil {
			return nil, nil, err
		}
		n.Inputs = append(n.Inputs, h)
	}
	return n, def, nil
}

// resolveStream parses a stream identifier and resolves it against the
// producer in the scratch model.
func (p *Plan) resolveStream(consumer, raw string) (streamid.Handle, error) {
	ref, err := streamid.Parse(raw)
	if err != nil {
		return streamid.Handle{}, &graph.ValidationError{Alias: consumer, Err: err}
	}
	producer, ok := p.scratch.Node(ref.Alias)
	if !ok {
		return streamid.Handle{}, &graph.TopologyConflictError{
			Alias: consumer,
			Err:   fmt.Errorf("stream %s: %w", raw, graph.ErrUnresolvedEndpoint),
		}
	}
	var names []string
	if def, ok := p.reg.Lookup(producer.Module); ok {
		names = def.OutputPorts
	}
	h, err := ref.Resolve(names, producer.Outputs)
	if err != nil {
		return streamid.Handle{}, &graph.ValidationError{
			Alias: consumer,
			Err:   fmt.Errorf("%w: %w", graph.ErrUnresolvedEndpoint, err),
		}
	}
	return h, nil
}

func (p *Plan) planBinds(specs []*config.BindSpec) error {
	for _, b := range specs {
		if b == nil {
			continue
		}
		consumer, ok := p.scratch.Node(b.Consumer)
		if !ok {
			return &graph.ValidationError{Alias: b.Consumer, Err: graph.ErrNotFound}
		}
		h, err := p.resolveStream(b.Consumer, b.Stream)
		if err != nil {
			return err
		}
		err = p.scratch.Bind(graph.Stream{
			Producer: h,
			Consumer: streamid.Handle{Alias: b.Consumer, Port: len(consumer.Inputs)},
		})
		if err != nil {
			return err
		}
		p.binds = append(p.binds, binding{consumer: b.Consumer, stream: h})
		if !p.added[b.Consumer] && !slices.Contains(p.rewire, b.Consumer) {
			p.rewire = append(p.rewire, b.Consumer)
		}
	}
	return nil
}

func (p *Plan) planRemoves(aliases []string) error {
	pending := make(map[string]bool, len(aliases))
	for _, alias := range aliases {
		if pending[alias] {
			return &graph.ValidationError{Alias: alias, Err: errors.New("removed twice")}
		}
		if _, ok := p.base.Node(alias); !ok {
			return &graph.ValidationError{Alias: alias, Err: graph.ErrNotFound}
		}
		if slices.Contains(p.rewire, alias) {
			return &graph.ValidationError{Alias: alias, Err: errors.New("bound and removed by the same update")}
		}
		pending[alias] = true
	}

	// Consumers go before their producers so that no removal leaves a
	// dangling reference behind.
	for len(pending) > 0 {
		progress := false
		for _, alias := range sortedKeys(pending) {
			if len(p.scratch.Dependents(alias)) > 0 {
				continue
			}
			if err := p.scratch.RemoveNode(alias); err != nil {
				return err
			}
			delete(pending, alias)
			p.removes = append(p.removes, alias)
			progress = true
		}
		if !progress {
			// Someone outside the request still depends on what is left.
			return p.scratch.RemoveNode(sortedKeys(pending)[0])
		}
	}
	return nil
}

func (p *Plan) planResets(ctx context.Context, specs []*config.ResetSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, rs := range specs {
		if rs == nil {
			continue
		}
		if seen[rs.Alias] {
			return &graph.ValidationError{Alias: rs.Alias, Err: errors.New("reset twice")}
		}
		seen[rs.Alias] = true

		if _, ok := p.base.Node(rs.Alias); !ok {
			return &graph.ValidationError{Alias: rs.Alias, Err: graph.ErrNotFound}
		}
		n, ok := p.scratch.Node(rs.Alias)
		if !ok {
			return &graph.ValidationError{Alias: rs.Alias, Err: errors.New("reset and removed by the same update")}
		}
		if slices.Contains(p.rewire, rs.Alias) {
			return &graph.ValidationError{Alias: rs.Alias, Err: errors.New("bound and reset by the same update")}
		}
		def, ok := p.reg.Lookup(n.Module)
		if !ok {
			return &graph.ValidationError{Alias: rs.Alias, Err: fmt.Errorf("unknown module %q", n.Module)}
		}

		cfg := n.Config.Overlay(rs.Config)
		if err := def.Check(cfg); err != nil {
			return &graph.ValidationError{Alias: rs.Alias, Err: fmt.Errorf("config: %w", err)}
		}
		changes, err := diff.Diff(map[string]any(n.Config.Clone()), map[string]any(cfg))
		if err != nil {
			return &graph.ValidationError{Alias: rs.Alias, Err: fmt.Errorf("comparing config: %w", err)}
		}
		if len(changes) == 0 {
			ctxlog.FromContext(ctx).Debug("Reset leaves configuration unchanged, skipping.", "node", rs.Alias)
			continue
		}

		r := &reset{alias: rs.Alias, def: def, cfg: cfg, changes: changes}
		if !(def.Capabilities.HotReset && def.Capabilities.MidStreamReset) {
			proc, err := def.New(module.Params{Alias: n.Alias, Outputs: n.Outputs, Config: cfg.Clone()})
			if err != nil {
				return &graph.ValidationError{Alias: rs.Alias, Err: fmt.Errorf("module %q: %w", def.Name, err)}
			}
			r.proc = proc
		}
		p.resets = append(p.resets, r)
	}
	return nil
}

// Resolved renders the plan as an update document with every stream
// identifier in canonical form.
func (p *Plan) Resolved() *config.UpdateSpec {
	out := &config.UpdateSpec{}
	snap := p.scratch.Snapshot()
	for _, a := range p.adds {
		if n, ok := snap.Node(a.alias); ok {
			out.Add = append(out.Add, n.Spec())
		}
	}
	for _, b := range p.binds {
		out.Bind = append(out.Bind, &config.BindSpec{Consumer: b.consumer, Stream: b.stream.String()})
	}
	out.Remove = append(out.Remove, p.removes...)
	for _, r := range p.resets {
		out.Reset = append(out.Reset, &config.ResetSpec{Alias: r.alias, Config: r.cfg.Clone()})
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
