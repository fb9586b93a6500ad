package graph

import "fmt"

// State is the lifecycle state of a Graph Model.
type State int

const (
	Unbuilt State = iota
	Built
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case Built:
		return "built"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// allowed lists the legal lifecycle transitions.
var allowed = map[State][]State{
	Unbuilt: {Built, Closed},
	Built:   {Running, Closed},
	Running: {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
