// Package config defines the format-agnostic description model for graphs
// and update requests, along with the Loader interface for reading those
// descriptions from various sources.
//
// The `config.Document` is what the engine consumes at Build time and as the
// payload of Update. Concrete loaders, for HCL and YAML, are provided in
// separate packages.
package config
