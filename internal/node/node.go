// Package node defines the declarative record of a processing unit: its
// kind, configuration, alias, stream bindings and scheduling assignment.
package node

import (
	"fmt"
	"strings"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/streamid"
)

// ID is assigned once by the graph model and never reused.
type ID uint64

// Kind is the broad category of a node.
type Kind int

const (
	Decoder Kind = iota
	Encoder
	Filter
	CustomModule
)

func (k Kind) String() string {
	switch k {
	case Decoder:
		return config.KindDecoder
	case Encoder:
		return config.KindEncoder
	case Filter:
		return config.KindFilter
	case CustomModule:
		return config.KindModule
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a description keyword to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case config.KindDecoder:
		return Decoder, nil
	case config.KindEncoder:
		return Encoder, nil
	case config.KindFilter:
		return Filter, nil
	case config.KindModule, "custom":
		return CustomModule, nil
	default:
		return 0, fmt.Errorf("unknown node kind %q", s)
	}
}

// InputPolicy governs how frames from several input streams are merged.
type InputPolicy int

const (
	// Immediate consumes whichever input is ready first.
	Immediate InputPolicy = iota
	// Ordered takes one frame from every open input per step, in port order.
	Ordered
	// Server fetches from each input independently, on demand.
	Server
)

func (p InputPolicy) String() string {
	switch p {
	case Immediate:
		return "immediate"
	case Ordered:
		return "ordered"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseInputPolicy maps a description keyword to an InputPolicy. The empty
// string selects Immediate.
func ParseInputPolicy(s string) (InputPolicy, error) {
	switch strings.ToLower(s) {
	case "", "immediate":
		return Immediate, nil
	case "ordered", "default":
		return Ordered, nil
	case "server":
		return Server, nil
	default:
		return 0, fmt.Errorf("unknown input policy %q", s)
	}
}

// Capabilities is the flag set the reconfiguration protocol branches on.
type Capabilities struct {
	// HotReset means the processor can take a new configuration in place.
	HotReset bool
	// MidStreamReset means the in-place reset may happen between any two
	// frames while the node is active. Without it a live node is reset by
	// remove+add.
	MidStreamReset bool
}

// Node is the graph model's record of one processing unit.
type Node struct {
	ID     ID
	Alias  string
	Kind   Kind
	Module string
	Config config.Tree
	// Inputs holds, per input port, the producer port it is bound to. A zero
	// handle is an unbound input.
	Inputs  []streamid.Handle
	Outputs int
	Slot    int
	Policy  InputPolicy
}

// Output returns the handle of one of the node's output ports.
func (n *Node) Output(port int) streamid.Handle {
	return streamid.Handle{Alias: n.Alias, Port: port}
}

// IsSource reports whether the node has no bound inputs.
func (n *Node) IsSource() bool {
	for _, in := range n.Inputs {
		if !in.IsZero() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Config = n.Config.Clone()
	cp.Inputs = append([]streamid.Handle(nil), n.Inputs...)
	return &cp
}

// Spec renders the node back into its description form with canonical
// stream identifiers.
func (n *Node) Spec() *config.NodeSpec {
	inputs := make([]string, 0, len(n.Inputs))
	for _, in := range n.Inputs {
		if in.IsZero() {
			continue
		}
		inputs = append(inputs, in.String())
	}
	return &config.NodeSpec{
		Kind:        n.Kind.String(),
		Alias:       n.Alias,
		Module:      n.Module,
		Config:      n.Config.Clone(),
		Inputs:      inputs,
		Outputs:     n.Outputs,
		Slot:        n.Slot,
		InputPolicy: n.Policy.String(),
	}
}
