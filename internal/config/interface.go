package config

import "context"

// Loader is the interface for a format-specific description loader.
type Loader interface {
	// Load reads every description file found under the given paths and
	// merges them into a single document.
	Load(ctx context.Context, paths ...string) (*Document, error)

	// Parse decodes one in-memory description. filename is only used in
	// diagnostics.
	Parse(ctx context.Context, filename string, src []byte) (*Document, error)
}
