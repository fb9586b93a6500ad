// Package executor turns Graph Model nodes into running execution contexts
// and keeps frames flowing between them.
//
// # Execution contexts
//
// Every node runs in its own goroutine, a Runner, moving through
// Idle → Active → Draining → Stopped. A runner takes its scheduler slot lease
// for the duration of one processing step only; waiting for input and
// pushing output happen outside the lease, so nodes sharing a slot never
// block each other on data.
//
// # Streams
//
// Each bound input port owns a bounded queue. The producer keeps the list of
// subscribed queues on its output port; fan-out pushes a copy of the frame to
// every subscriber. Subscriber lists are swapped under the port lock, which
// is how streams are attached and detached while data flows.
//
// # Stopping
//
// Sources stop on a soft stop signal, as do nodes left waiting in Idle
// because none of their inputs is bound. Every other node drains once all
// its inputs have reached end-of-stream. A draining node flushes its processor,
// closes its output queues and waits for downstream consumers to read them
// to the end. A hard stop interrupts all of this; frames discarded on the
// way are counted and logged. Removals and swaps give every node they wait
// on its own drain budget; a node that misses it is hard-stopped alone.
package executor
