package engine

import (
	"context"
	"errors"

	"github.com/vk/mediagrid/internal/executor"
	"github.com/vk/mediagrid/internal/graph"
)

// Result codes reported for every public operation.
const (
	CodeOK = iota
	CodeValidation
	CodeTopologyConflict
	CodeTimeout
	CodeExecutionFailure
	CodeInvalidState
	CodeUnknown
)

// Code maps an error returned by the engine to its result code. When err
// combines several failures the first matching category below wins.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	var (
		validation *graph.ValidationError
		conflict   *graph.TopologyConflictError
		timeout    *executor.TimeoutError
		failure    *executor.ExecutionFailure
		state      *graph.StateError
	)
	switch {
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &conflict):
		return CodeTopologyConflict
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &failure):
		return CodeExecutionFailure
	case errors.As(err, &state):
		return CodeInvalidState
	default:
		return CodeUnknown
	}
}
