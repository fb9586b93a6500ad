// Package callback implements the bridge that lets external handlers observe
// or replace frame payloads at a node port.
//
// Handlers run synchronously on the node's own execution context. The
// handler table is copy-on-write: a node loads it once per step, so a
// registration made while the node is active takes effect before the next
// step and no frame ever sees a mix of old and new handlers.
package callback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vk/mediagrid/internal/ctxlog"
)

// Direction selects where on a port the handler runs.
type Direction int

const (
	// Output runs right after the node produced a frame on an output port.
	Output Direction = iota
	// Input runs right before the node consumes a frame from an input port.
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Handler receives a payload and returns a replacement. A nil result keeps
// the original payload.
type Handler func(payload []byte) ([]byte, error)

// CallbackFailure reports a handler that returned an error or panicked. It
// is never fatal: the original payload is kept.
type CallbackFailure struct {
	Alias     string
	Port      int
	Direction Direction
	Err       error
}

func (e *CallbackFailure) Error() string {
	return fmt.Sprintf("callback on %s.%d (%s) failed: %v", e.Alias, e.Port, e.Direction, e.Err)
}

func (e *CallbackFailure) Unwrap() error { return e.Err }

type key struct {
	alias string
	port  int
	dir   Direction
}

type table map[key]Handler

// Bridge owns all callback registrations of one engine.
type Bridge struct {
	mu        sync.Mutex
	current   atomic.Pointer[table]
	onFailure func(*CallbackFailure)
}

// New creates an empty bridge. onFailure, if not nil, is told about every
// handler failure after it has been logged.
func New(onFailure func(*CallbackFailure)) *Bridge {
	b := &Bridge{onFailure: onFailure}
	b.current.Store(&table{})
	return b
}

// update publishes a modified copy of the table.
func (b *Bridge) update(fn func(t table)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.current.Load()
	next := make(table, len(old)+1)
	for k, h := range old {
		next[k] = h
	}
	fn(next)
	b.current.Store(&next)
}

// Register attaches h to a node port, replacing any handler already there.
// A nil handler removes the registration.
func (b *Bridge) Register(alias string, port int, dir Direction, h Handler) {
	b.update(func(t table) {
		if h == nil {
			delete(t, key{alias, port, dir})
			return
		}
		t[key{alias, port, dir}] = h
	})
}

// RemoveNode drops every registration of a node.
func (b *Bridge) RemoveNode(alias string) {
	b.update(func(t table) {
		for k := range t {
			if k.alias == alias {
				delete(t, k)
			}
		}
	})
}

// Clear drops all registrations.
func (b *Bridge) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current.Store(&table{})
}

// Len returns the number of registrations.
func (b *Bridge) Len() int {
	return len(*b.current.Load())
}

// View returns the registrations as of now. A node takes one view per step.
func (b *Bridge) View() View {
	return View{t: *b.current.Load(), b: b}
}

// View is an immutable set of registrations.
type View struct {
	t table
	b *Bridge
}

// Has reports whether a handler is registered for the port.
func (v View) Has(alias string, port int, dir Direction) bool {
	_, ok := v.t[key{alias, port, dir}]
	return ok
}

// Apply runs the handler registered for the port, if any, and returns the
// payload to carry on with. Empty payloads are never handed to a handler.
func (v View) Apply(ctx context.Context, alias string, port int, dir Direction, payload []byte) []byte {
	h, ok := v.t[key{alias, port, dir}]
	if !ok || len(payload) == 0 {
		return payload
	}

	out, err := invoke(h, payload)
	if err != nil {
		failure := &CallbackFailure{Alias: alias, Port: port, Direction: dir, Err: err}
		ctxlog.FromContext(ctx).Warn("Callback failed, keeping original payload.", "alias", alias, "port", port, "direction", dir.String(), "error", err)
		if v.b != nil && v.b.onFailure != nil {
			v.b.onFailure(failure)
		}
		return payload
	}
	if out == nil {
		return payload
	}
	return out
}

func invoke(h Handler, payload []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(payload)
}
