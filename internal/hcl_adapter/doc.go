// Package hcl_adapter provides the HCL implementation of config.Loader and
// renders update documents back to HCL.
//
// A description holds `node "<kind>" "<alias>"` blocks and, for updates,
// `remove`, `reset` and `bind` blocks. Stream references may be written as
// bare traversals (`d0.video`, `d0.0`) or as strings, and `env.NAME` reads
// the process environment.
package hcl_adapter
