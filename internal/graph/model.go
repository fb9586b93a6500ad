package graph

import (
	"sort"
	"sync"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/streamid"
)

// Stream is one producer port to consumer port binding.
type Stream struct {
	Producer streamid.Handle
	// Consumer is the consuming node alias and its input port index.
	Consumer streamid.Handle
}

// ID returns the external stream identifier, `<producer_alias>.<port>`.
func (s Stream) ID() string {
	return s.Producer.String()
}

// Model is the mutable, thread-safe Graph Model.
type Model struct {
	mu         sync.RWMutex
	nodes      map[string]*node.Node
	state      State
	generation uint64
	nextID     node.ID
	// base is the generation a scratch model was copied from.
	base     uint64
	retiring map[node.ID]*node.Node
}

// New returns an empty, unbuilt model.
func New() *Model {
	return &Model{
		nodes:    make(map[string]*node.Node),
		retiring: make(map[node.ID]*node.Node),
	}
}

// FromSnapshot returns a scratch model holding a private copy of s. Changes
// made to it are published with Commit.
func FromSnapshot(s *Snapshot) *Model {
	m := New()
	for alias, n := range s.Nodes {
		m.nodes[alias] = n.Clone()
	}
	m.state = s.State
	m.generation = s.Generation
	m.base = s.Generation
	m.nextID = s.nextID
	return m
}

// Generation returns the current topology generation.
func (m *Model) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// State returns the current lifecycle state.
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves the model to a new lifecycle state.
func (m *Model) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return &StateError{Op: "transition to " + to.String(), State: m.state}
	}
	m.state = to
	return nil
}

// AddNode admits a node together with its declared input bindings and
// returns the id assigned to it. The descriptor is copied.
func (m *Model) AddNode(n *node.Node) (node.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return 0, &StateError{Op: "add node", State: m.state}
	}
	if !streamid.ValidAlias(n.Alias) {
		return 0, &ValidationError{Alias: n.Alias, Err: ErrInvalidAlias}
	}
	if _, ok := m.nodes[n.Alias]; ok {
		return 0, &ValidationError{Alias: n.Alias, Err: ErrDuplicateAlias}
	}
	if n.Outputs < 0 {
		return 0, validation(n.Alias, "negative output count %d", n.Outputs)
	}
	for port, in := range n.Inputs {
		if in.IsZero() {
			continue
		}
		if err := m.checkProducer(n.Alias, port, in); err != nil {
			return 0, err
		}
	}

	cp := n.Clone()
	m.nextID++
	cp.ID = m.nextID
	m.nodes[cp.Alias] = cp
	m.generation++
	return cp.ID, nil
}

func (m *Model) checkProducer(consumer string, port int, in streamid.Handle) error {
	if in.Alias == consumer {
		return validation(consumer, "input %d: %w", port, ErrCycle)
	}
	p, ok := m.nodes[in.Alias]
	if !ok {
		return conflict(consumer, "input %d: producer %q: %w", port, in.Alias, ErrUnresolvedEndpoint)
	}
	if in.Port < 0 || in.Port >= p.Outputs {
		return validation(consumer, "input %d: stream %s: %w", port, in, ErrUnresolvedEndpoint)
	}
	return nil
}

// RemoveNode drops a node. A node that still feeds another node cannot be
// removed.
func (m *Model) RemoveNode(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return &StateError{Op: "remove node", State: m.state}
	}
	if _, ok := m.nodes[alias]; !ok {
		return &ValidationError{Alias: alias, Err: ErrNotFound}
	}
	if deps := m.dependentsLocked(alias); len(deps) > 0 {
		return conflict(alias, "%w: %v", ErrHasDependents, deps)
	}
	delete(m.nodes, alias)
	m.generation++
	return nil
}

// Bind connects a producer output port to a consumer input port. The
// consumer port must be unbound or one past the last declared input.
func (m *Model) Bind(s Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return &StateError{Op: "bind", State: m.state}
	}
	c, ok := m.nodes[s.Consumer.Alias]
	if !ok {
		return validation(s.Consumer.Alias, "consumer: %w", ErrUnresolvedEndpoint)
	}
	port := s.Consumer.Port
	if port < 0 || port > len(c.Inputs) {
		return validation(c.Alias, "input port %d out of range", port)
	}
	if port < len(c.Inputs) && !c.Inputs[port].IsZero() {
		return validation(c.Alias, "input port %d already bound to %s", port, c.Inputs[port])
	}
	if err := m.checkProducer(c.Alias, port, s.Producer); err != nil {
		return err
	}
	if m.reaches(c.Alias, s.Producer.Alias) {
		return validation(c.Alias, "stream %s: %w", s.Producer, ErrCycle)
	}

	if port == len(c.Inputs) {
		c.Inputs = append(c.Inputs, s.Producer)
	} else {
		c.Inputs[port] = s.Producer
	}
	m.generation++
	return nil
}

// SetConfig replaces a node's configuration in place, keeping its id.
func (m *Model) SetConfig(alias string, cfg config.Tree) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[alias]
	if !ok {
		return &ValidationError{Alias: alias, Err: ErrNotFound}
	}
	n.Config = cfg.Clone()
	m.generation++
	return nil
}

// Renew replaces a node by a new incarnation with the same alias, bindings
// and output ports but a fresh id and the given configuration.
func (m *Model) Renew(alias string, cfg config.Tree) (node.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[alias]
	if !ok {
		return 0, &ValidationError{Alias: alias, Err: ErrNotFound}
	}
	cp := n.Clone()
	cp.Config = cfg.Clone()
	m.nextID++
	cp.ID = m.nextID
	m.nodes[alias] = cp
	m.generation++
	return cp.ID, nil
}

// Commit publishes a scratch model built with FromSnapshot. It fails with
// ErrStaleGeneration if the live model changed since the snapshot was
// taken. A scratch model without changes is a no-op. Nodes present before
// and absent after are kept as retiring until Drop.
func (m *Model) Commit(next *Model) error {
	if next == m {
		return nil
	}
	next.mu.RLock()
	defer next.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return &StateError{Op: "commit", State: m.state}
	}
	if next.base != m.generation {
		return &TopologyConflictError{Err: ErrStaleGeneration}
	}
	if next.generation == next.base {
		return nil
	}

	kept := make(map[node.ID]bool, len(next.nodes))
	for _, n := range next.nodes {
		kept[n.ID] = true
	}
	for _, n := range m.nodes {
		if !kept[n.ID] {
			m.retiring[n.ID] = n
		}
	}

	nodes := make(map[string]*node.Node, len(next.nodes))
	for alias, n := range next.nodes {
		nodes[alias] = n.Clone()
	}
	m.nodes = nodes
	m.nextID = next.nextID
	m.generation++
	return nil
}

// Drop forgets a retiring node once its execution context has stopped.
func (m *Model) Drop(id node.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retiring, id)
}

// Snapshot returns an immutable deep copy of the model.
func (m *Model) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Snapshot{
		Generation: m.generation,
		State:      m.state,
		Nodes:      make(map[string]*node.Node, len(m.nodes)),
		nextID:     m.nextID,
	}
	for alias, n := range m.nodes {
		s.Nodes[alias] = n.Clone()
	}
	for _, n := range m.retiring {
		s.Retiring = append(s.Retiring, n.Clone())
	}
	sort.Slice(s.Retiring, func(i, j int) bool { return s.Retiring[i].ID < s.Retiring[j].ID })
	return s
}

// Node returns a copy of the node registered under alias.
func (m *Model) Node(alias string) (*node.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[alias]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Dependents returns the aliases of nodes consuming any output of alias.
func (m *Model) Dependents(alias string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return dependents(m.nodes, alias)
}

func (m *Model) dependentsLocked(alias string) []string {
	return dependents(m.nodes, alias)
}

// reaches reports whether target is downstream of (or equal to) from. It is
// the reachability check run from a new edge's consumer back to its
// producer.
func (m *Model) reaches(from, target string) bool {
	visited := make(map[string]bool)
	var visit func(alias string) bool
	visit = func(alias string) bool {
		if alias == target {
			return true
		}
		if visited[alias] {
			return false
		}
		visited[alias] = true
		for _, d := range dependents(m.nodes, alias) {
			if visit(d) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

func dependents(nodes map[string]*node.Node, alias string) []string {
	var out []string
	for _, n := range nodes {
		for _, in := range n.Inputs {
			if in.Alias == alias {
				out = append(out, n.Alias)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
