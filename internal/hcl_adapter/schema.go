package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a description file may hold.
type fileRoot struct {
	Options []*optionsBlock `hcl:"options,block"`
	Nodes   []*nodeBlock    `hcl:"node,block"`
	Removes []*removeBlock  `hcl:"remove,block"`
	Resets  []*resetBlock   `hcl:"reset,block"`
	Binds   []*bindBlock    `hcl:"bind,block"`
}

type optionsBlock struct {
	QueueCapacity *int  `hcl:"queue_capacity,optional"`
	DumpGraph     *bool `hcl:"dump_graph,optional"`
}

// nodeBlock is `node "<kind>" "<alias>" { ... }`.
type nodeBlock struct {
	Kind        string         `hcl:"kind,label"`
	Alias       string         `hcl:"alias,label"`
	Module      string         `hcl:"module,optional"`
	Inputs      hcl.Expression `hcl:"inputs,optional"`
	Outputs     int            `hcl:"outputs,optional"`
	Slot        int            `hcl:"slot,optional"`
	InputPolicy string         `hcl:"input_policy,optional"`
	Config      hcl.Expression `hcl:"config,optional"`
}

// removeBlock is `remove "<alias>" {}`.
type removeBlock struct {
	Alias string `hcl:"alias,label"`
}

// resetBlock is `reset "<alias>" { config = { ... } }`. Only the keys given
// replace the node's current configuration.
type resetBlock struct {
	Alias  string         `hcl:"alias,label"`
	Config hcl.Expression `hcl:"config,optional"`
}

// bindBlock is `bind "<consumer>" { stream = d1.video }`.
type bindBlock struct {
	Consumer string         `hcl:"consumer,label"`
	Stream   hcl.Expression `hcl:"stream"`
}
