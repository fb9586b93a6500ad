// Package registry maps module names used in graph descriptions to the Go
// code that implements them.
//
// Each module package exposes a Module whose Register method adds one or
// more Definitions. A Definition declares the node kind it implements, its
// output port names, its reset capabilities, how its configuration is
// validated and how a processor is created. The registry is populated once at
// startup; duplicate names are a programming error and panic.
package registry
