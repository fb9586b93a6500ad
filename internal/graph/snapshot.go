package graph

import (
	"sort"

	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/streamid"
)

// Snapshot is an immutable view of the model at one generation. Callers
// must not modify the nodes it holds.
type Snapshot struct {
	Generation uint64
	State      State
	Nodes      map[string]*node.Node
	// Retiring are nodes removed from the topology whose execution
	// contexts have not finished draining yet.
	Retiring []*node.Node
	nextID   node.ID
}

// Node looks up a node by alias.
func (s *Snapshot) Node(alias string) (*node.Node, bool) {
	n, ok := s.Nodes[alias]
	return n, ok
}

// Aliases returns all node aliases in sorted order.
func (s *Snapshot) Aliases() []string {
	out := make([]string, 0, len(s.Nodes))
	for alias := range s.Nodes {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the aliases of nodes consuming any output of alias.
func (s *Snapshot) Dependents(alias string) []string {
	return dependents(s.Nodes, alias)
}

// Streams returns every resolved binding, ordered by producer then consumer.
func (s *Snapshot) Streams() []Stream {
	var out []Stream
	for _, n := range s.Nodes {
		for port, in := range n.Inputs {
			if in.IsZero() {
				continue
			}
			out = append(out, Stream{Producer: in, Consumer: streamid.Handle{Alias: n.Alias, Port: port}})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Producer != b.Producer {
			return less(a.Producer, b.Producer)
		}
		return less(a.Consumer, b.Consumer)
	})
	return out
}

// Dangling returns output ports that no node consumes.
func (s *Snapshot) Dangling() []streamid.Handle {
	used := make(map[streamid.Handle]bool)
	for _, st := range s.Streams() {
		used[st.Producer] = true
	}
	var out []streamid.Handle
	for _, alias := range s.Aliases() {
		n := s.Nodes[alias]
		for p := 0; p < n.Outputs; p++ {
			if h := n.Output(p); !used[h] {
				out = append(out, h)
			}
		}
	}
	return out
}

// TopoOrder returns the aliases ordered producers first. Ties are broken
// alphabetically so the order is deterministic.
func (s *Snapshot) TopoOrder() []string {
	indeg := make(map[string]int, len(s.Nodes))
	for alias, n := range s.Nodes {
		seen := make(map[string]bool)
		for _, in := range n.Inputs {
			if in.IsZero() || seen[in.Alias] {
				continue
			}
			if _, ok := s.Nodes[in.Alias]; ok {
				seen[in.Alias] = true
				indeg[alias]++
			}
		}
	}
	var ready []string
	for alias := range s.Nodes {
		if indeg[alias] == 0 {
			ready = append(ready, alias)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(s.Nodes))
	for len(ready) > 0 {
		alias := ready[0]
		ready = ready[1:]
		out = append(out, alias)
		for _, d := range s.Dependents(alias) {
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	return out
}

func less(a, b streamid.Handle) bool {
	if a.Alias != b.Alias {
		return a.Alias < b.Alias
	}
	return a.Port < b.Port
}
