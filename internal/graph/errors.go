package graph

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateAlias     = errors.New("duplicate alias")
	ErrInvalidAlias       = errors.New("invalid alias")
	ErrNotFound           = errors.New("node not found")
	ErrUnresolvedEndpoint = errors.New("unresolved stream endpoint")
	ErrCycle              = errors.New("binding would create a cycle")
	ErrHasDependents      = errors.New("node has dependents")
	ErrStaleGeneration    = errors.New("model changed since snapshot")
)

// ValidationError rejects malformed input before any mutation: duplicate or
// invalid alias, unresolved stream identifier, unknown node, cycle.
type ValidationError struct {
	Alias string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Alias == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("validation failed for %q: %v", e.Alias, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TopologyConflictError rejects a request that is well formed but does not
// fit the current topology, e.g. removing a node that still has consumers.
type TopologyConflictError struct {
	Alias string
	Err   error
}

func (e *TopologyConflictError) Error() string {
	if e.Alias == "" {
		return fmt.Sprintf("topology conflict: %v", e.Err)
	}
	return fmt.Sprintf("topology conflict for %q: %v", e.Alias, e.Err)
}

func (e *TopologyConflictError) Unwrap() error { return e.Err }

// StateError is returned when an operation is not allowed in the model's
// current lifecycle state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func validation(alias string, format string, args ...any) error {
	return &ValidationError{Alias: alias, Err: fmt.Errorf(format, args...)}
}

func conflict(alias string, format string, args ...any) error {
	return &TopologyConflictError{Alias: alias, Err: fmt.Errorf(format, args...)}
}
