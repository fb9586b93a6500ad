// Package reconfig implements the admission and application of graph
// updates.
//
// An update is first validated against an immutable snapshot of the Graph
// Model. Validation runs every change on a private scratch copy of the
// model, so a request that fails leaves nothing behind. The resulting Plan
// is applied in a fixed order: added nodes producers-first, new bindings on
// existing nodes, removals, then configuration resets.
package reconfig
