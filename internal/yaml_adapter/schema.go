package yaml_adapter

// fileRoot is one YAML document. A file may hold several, separated by `---`.
type fileRoot struct {
	Options *optionsEntry    `yaml:"options"`
	Nodes   []nodeEntry      `yaml:"nodes"`
	Bind    []bindEntry      `yaml:"bind"`
	Remove  []string         `yaml:"remove"`
	Reset   []map[string]any `yaml:"reset"`
}

type optionsEntry struct {
	QueueCapacity *int  `yaml:"queue_capacity"`
	DumpGraph     *bool `yaml:"dump_graph"`
}

type nodeEntry struct {
	Kind        string         `yaml:"kind"`
	Alias       string         `yaml:"alias"`
	Module      string         `yaml:"module"`
	Inputs      []string       `yaml:"inputs"`
	Outputs     int            `yaml:"outputs"`
	Slot        int            `yaml:"slot"`
	InputPolicy string         `yaml:"input_policy"`
	Config      map[string]any `yaml:"config"`
}

type bindEntry struct {
	Consumer string `yaml:"consumer"`
	Stream   string `yaml:"stream"`
}
