package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/fsutil"
)

// Extension is the file extension the loader picks up from directories.
const Extension = ".hcl"

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL description loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file found under paths and merges them into one
// document, in path order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Document, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := fsutil.ResolvePaths(paths, Extension)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	doc := &config.Document{}
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		part, err := l.decode(ctx, file, f)
		if err != nil {
			return nil, err
		}
		doc.Merge(part)
	}

	logger.Debug("HCL loading complete.", "nodes", len(doc.Nodes), "removes", len(doc.Remove), "resets", len(doc.Reset), "binds", len(doc.Bind))
	return doc, nil
}

// Parse decodes one in-memory HCL description.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte) (*config.Document, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return l.decode(ctx, filename, f)
}

func (l *Loader) decode(ctx context.Context, filename string, f *hcl.File) (*config.Document, error) {
	evalCtx := evalContext()

	var root fileRoot
	if diags := gohcl.DecodeBody(f.Body, evalCtx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	doc := &config.Document{}
	for _, o := range root.Options {
		if o.QueueCapacity != nil {
			doc.Options.QueueCapacity = *o.QueueCapacity
		}
		if o.DumpGraph != nil {
			doc.Options.DumpGraph = *o.DumpGraph
		}
	}
	for _, b := range root.Nodes {
		n, err := l.translateNode(ctx, b, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		doc.Nodes = append(doc.Nodes, n)
	}
	for _, b := range root.Binds {
		bind, err := l.translateBind(b, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		doc.Bind = append(doc.Bind, bind)
	}
	for _, b := range root.Removes {
		doc.Remove = append(doc.Remove, b.Alias)
	}
	for _, b := range root.Resets {
		r, err := l.translateReset(ctx, b, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		doc.Reset = append(doc.Reset, r)
	}
	return doc, nil
}
