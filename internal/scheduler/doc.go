// Package scheduler maps nodes onto sequential execution contexts.
//
// Every node carries a scheduler slot. Nodes that share a slot run
// cooperatively: at most one of them processes a step at any moment. Nodes in
// different slots run in parallel. A node holds its slot lease only while it
// processes one step; it releases the lease before it blocks on a full output
// queue or an empty input queue, so a blocked node never starves the other
// nodes of its slot.
package scheduler
