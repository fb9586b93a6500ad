package executor

import "fmt"

// State is the lifecycle state of a node's execution context.
type State int32

const (
	Idle State = iota
	Active
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// NodeStatus is the observable state of one runner.
type NodeStatus struct {
	Alias   string
	State   State
	Faulted bool
	Err     error
}
