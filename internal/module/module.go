// Package module defines the contracts between the executor and the
// processing code behind each node.
package module

import (
	"context"
	"errors"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/frame"
)

// ErrEndOfStream is returned by a source processor when it has nothing more
// to produce. The node then drains and stops.
var ErrEndOfStream = errors.New("end of stream")

// Processor turns the frames of one step into emitted frames.
//
// Source nodes (decoders and modules registered as sources, with no bound
// input) get a task without inputs and are called in a loop until they
// return ErrEndOfStream or the node is asked to stop. Other nodes are not
// called until an input is bound.
type Processor interface {
	Process(ctx context.Context, task *Task) error
}

// Resetter is implemented by processors that accept a new configuration in
// place.
type Resetter interface {
	Reset(ctx context.Context, cfg config.Tree) error
}

// Flusher is implemented by processors that hold back frames. Flush is
// called once, after the last input frame and before outputs are closed.
type Flusher interface {
	Flush(ctx context.Context, task *Task) error
}

// Closer is implemented by processors holding resources. Close is called
// once the node incarnation has stopped.
type Closer interface {
	Close() error
}

// Params is what a processor is created from.
type Params struct {
	Alias string
	// Outputs is the number of output ports of the node.
	Outputs int
	Config  config.Tree
}

// Packet is one frame received on an input port.
type Packet struct {
	Port  int
	Frame frame.Frame
}

// Output is one payload emitted on an output port.
type Output struct {
	Port int
	Data []byte
}

// Task carries one step's input and collects its output.
type Task struct {
	Alias string
	// Inputs are the frames handed to this step, in input port order.
	Inputs []Packet
	// Ended lists the input ports that reached end-of-stream in this step.
	Ended []int

	outputs []Output
}

// Emit queues a payload on an output port. Ownership of data moves to the
// engine. Frames are delivered after Process returns, in emission order.
func (t *Task) Emit(port int, data []byte) {
	t.outputs = append(t.outputs, Output{Port: port, Data: data})
}

// Outputs returns what the step emitted.
func (t *Task) Outputs() []Output { return t.outputs }

// Input returns the frame received on port in this step, if any.
func (t *Task) Input(port int) (frame.Frame, bool) {
	for _, p := range t.Inputs {
		if p.Port == port {
			return p.Frame, true
		}
	}
	return frame.Frame{}, false
}
