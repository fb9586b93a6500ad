package executor

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionFailure is a runtime fault of one node's processing.
type ExecutionFailure struct {
	Alias string
	Err   error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Alias, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// TimeoutError reports nodes that did not finish draining before the
// deadline.
type TimeoutError struct {
	Op      string
	Aliases []string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s: drain of [%s] did not complete within %s", e.Op, strings.Join(e.Aliases, ", "), e.After)
	}
	return fmt.Sprintf("%s: drain of [%s] did not complete before the deadline", e.Op, strings.Join(e.Aliases, ", "))
}
