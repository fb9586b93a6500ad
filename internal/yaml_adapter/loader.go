// Package yaml_adapter reads graph descriptions written in YAML or JSON.
package yaml_adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Extensions are the file extensions the loader picks up from directories.
var Extensions = []string{".yaml", ".yml", ".json"}

// aliasKey names the node in a reset entry. Every other key of the entry is
// configuration.
const aliasKey = "alias"

// Loader is the YAML implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new YAML description loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every YAML or JSON file found under paths and merges them into
// one document, in path order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Document, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("YAML loader started.", "path_count", len(paths))

	files, err := fsutil.ResolvePaths(paths, Extensions...)
	if err != nil {
		return nil, err
	}

	doc := &config.Document{}
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		part, err := l.Parse(ctx, file, src)
		if err != nil {
			return nil, err
		}
		doc.Merge(part)
	}

	logger.Debug("YAML loading complete.", "files", len(files), "nodes", len(doc.Nodes))
	return doc, nil
}

// Parse decodes every YAML document in src. Unknown keys are rejected
// everywhere except inside node configuration.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte) (*config.Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	doc := &config.Document{}
	for i := 0; ; i++ {
		var root fileRoot
		err := dec.Decode(&root)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s (document %d): %w", filename, i, err)
		}
		part, err := translate(&root)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		doc.Merge(part)
	}
	ctxlog.FromContext(ctx).Debug("Parsed YAML description.", "file", filename, "nodes", len(doc.Nodes))
	return doc, nil
}

func translate(root *fileRoot) (*config.Document, error) {
	doc := &config.Document{Remove: root.Remove}
	if o := root.Options; o != nil {
		if o.QueueCapacity != nil {
			doc.Options.QueueCapacity = *o.QueueCapacity
		}
		if o.DumpGraph != nil {
			doc.Options.DumpGraph = *o.DumpGraph
		}
	}

	for _, n := range root.Nodes {
		doc.Nodes = append(doc.Nodes, &config.NodeSpec{
			Kind:        n.Kind,
			Alias:       n.Alias,
			Module:      n.Module,
			Config:      tree(n.Config),
			Inputs:      n.Inputs,
			Outputs:     n.Outputs,
			Slot:        n.Slot,
			InputPolicy: n.InputPolicy,
		})
	}
	for _, b := range root.Bind {
		if b.Consumer == "" || b.Stream == "" {
			return nil, fmt.Errorf("bind entry needs both consumer and stream")
		}
		doc.Bind = append(doc.Bind, &config.BindSpec{Consumer: b.Consumer, Stream: b.Stream})
	}
	for i, entry := range root.Reset {
		alias, ok := entry[aliasKey].(string)
		if !ok || alias == "" {
			return nil, fmt.Errorf("reset entry %d: missing %q", i, aliasKey)
		}
		cfg := make(map[string]any, len(entry)-1)
		for k, v := range entry {
			if k != aliasKey {
				cfg[k] = v
			}
		}
		doc.Reset = append(doc.Reset, &config.ResetSpec{Alias: alias, Config: tree(cfg)})
	}
	return doc, nil
}

// tree normalises decoded YAML into a config tree. Mappings with non-string
// keys come back from the decoder as map[any]any and are re-keyed.
func tree(m map[string]any) config.Tree {
	if m == nil {
		return nil
	}
	out := make(config.Tree, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return map[string]any(tree(x))
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
