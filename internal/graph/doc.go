// Package graph holds the Graph Model: the set of nodes and stream bindings,
// the lifecycle state and the topology generation counter.
//
// # Mutation
//
// Every mutating call (AddNode, RemoveNode, Bind, SetConfig, Renew) either
// succeeds and advances the generation by one, or fails and leaves the model
// untouched. Readers never observe a partial mutation.
//
// The reconfiguration protocol does not mutate the live model item by item.
// It takes a Snapshot, builds a scratch model from it with FromSnapshot,
// applies the whole request to the scratch copy and hands the result to
// Commit, which swaps it in and advances the live generation exactly once.
// Nodes that disappear in a commit are kept as retiring until the executor
// has drained them and calls Drop.
//
// # Streams
//
// A stream is identified by its producer port, `<alias>.<port>`. Bindings
// are stored on the consumer side (node.Node.Inputs), so one producer port
// may feed several consumers and an output port with no consumer is a
// dangling output.
//
// # Thread-Safety
//
// All Model methods are safe for concurrent use. Snapshots are deep copies
// and never block writers beyond the copy itself.
package graph
