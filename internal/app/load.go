package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/hcl_adapter"
	"github.com/vk/mediagrid/internal/yaml_adapter"
)

// loaderFor picks the description loader by file extension. Directories are
// read with every loader and merged, HCL first.
func loaderFor(path string) ([]config.Loader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	if info.IsDir() {
		return []config.Loader{hcl_adapter.NewLoader(), yaml_adapter.NewLoader()}, nil
	}
	ext := filepath.Ext(path)
	switch {
	case ext == hcl_adapter.Extension:
		return []config.Loader{hcl_adapter.NewLoader()}, nil
	case slices.Contains(yaml_adapter.Extensions, ext):
		return []config.Loader{yaml_adapter.NewLoader()}, nil
	default:
		return nil, fmt.Errorf("unsupported description format %q: %s", ext, path)
	}
}

// loadDocument reads one description file or directory.
func loadDocument(ctx context.Context, path string) (*config.Document, error) {
	loaders, err := loaderFor(path)
	if err != nil {
		return nil, err
	}
	doc := &config.Document{}
	for _, l := range loaders {
		part, err := l.Load(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		doc.Merge(part)
	}
	return doc, nil
}
