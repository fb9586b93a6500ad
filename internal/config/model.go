package config

// Kind names accepted in descriptions.
const (
	KindDecoder = "decoder"
	KindEncoder = "encoder"
	KindFilter  = "filter"
	KindModule  = "module"
)

// Document is the unified, format-agnostic representation of one description
// file set. A document used for Build carries Options and Nodes; a document
// used for Update may additionally carry Remove and Reset entries.
type Document struct {
	Options Options
	Nodes   []*NodeSpec
	Remove  []string
	Reset   []*ResetSpec
	Bind    []*BindSpec
}

// Options are graph-wide settings.
type Options struct {
	// QueueCapacity is the bound of every stream queue. 0 means the engine default.
	QueueCapacity int
	// DumpGraph logs the resolved description at Build time.
	DumpGraph bool
}

// NodeSpec is the format-agnostic representation of a `node` block.
type NodeSpec struct {
	Kind   string
	Alias  string
	Module string
	Config Tree
	// Inputs are stream identifiers, `<alias>.<port>`, in input port order.
	Inputs []string
	// Outputs is the number of output ports. 0 means the kind default.
	Outputs     int
	Slot        int
	InputPolicy string
}

// ResetSpec replaces the configuration of a live node.
type ResetSpec struct {
	Alias  string
	Config Tree
}

// BindSpec attaches an existing or co-added producer stream to the next free
// input port of a node already in the graph.
type BindSpec struct {
	Consumer string
	// Stream is the producer stream identifier, `<alias>.<port>`.
	Stream string
}

// UpdateSpec is an update request as described by the caller. It is also the
// shape of the resolved document returned after a successful Update.
type UpdateSpec struct {
	Add    []*NodeSpec
	Bind   []*BindSpec
	Remove []string
	Reset  []*ResetSpec
}

// IsEmpty reports whether the update carries no operations.
func (u *UpdateSpec) IsEmpty() bool {
	return u == nil || (len(u.Add) == 0 && len(u.Bind) == 0 && len(u.Remove) == 0 && len(u.Reset) == 0)
}

// Update returns the update request carried by the document.
func (d *Document) Update() *UpdateSpec {
	return &UpdateSpec{Add: d.Nodes, Bind: d.Bind, Remove: d.Remove, Reset: d.Reset}
}

// Merge appends everything in other to d. Later options win when set.
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	if other.Options.QueueCapacity > 0 {
		d.Options.QueueCapacity = other.Options.QueueCapacity
	}
	d.Options.DumpGraph = d.Options.DumpGraph || other.Options.DumpGraph
	d.Nodes = append(d.Nodes, other.Nodes...)
	d.Remove = append(d.Remove, other.Remove...)
	d.Reset = append(d.Reset, other.Reset...)
	d.Bind = append(d.Bind, other.Bind...)
}

// Clone returns a deep copy of the node spec.
func (n *NodeSpec) Clone() *NodeSpec {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Config = n.Config.Clone()
	cp.Inputs = append([]string(nil), n.Inputs...)
	return &cp
}
